package container

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Header field numbers of the serialized header record
const (
	fieldDataHash   protowire.Number = 1
	fieldTotalBytes protowire.Number = 2
	fieldAudioID    protowire.Number = 3
	fieldChapters   protowire.Number = 4
	fieldFill       protowire.Number = 5
)

// Header describes the payload of a container file. It is stored,
// length-prefixed, in frame 0.
type Header struct {
	DataHash      []byte
	AudioID       uint32
	TotalBytes    uint64
	ChapterFrames []uint32 // payload-relative frame index of each chapter start
}

// Marshal serializes the header record (without the length prefix)
func (h *Header) Marshal() []byte {
	var b []byte
	if len(h.DataHash) > 0 {
		b = protowire.AppendTag(b, fieldDataHash, protowire.BytesType)
		b = protowire.AppendBytes(b, h.DataHash)
	}
	b = protowire.AppendTag(b, fieldTotalBytes, protowire.VarintType)
	b = protowire.AppendVarint(b, h.TotalBytes)
	b = protowire.AppendTag(b, fieldAudioID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.AudioID))
	if len(h.ChapterFrames) > 0 {
		var packed []byte
		for _, c := range h.ChapterFrames {
			packed = protowire.AppendVarint(packed, uint64(c))
		}
		b = protowire.AppendTag(b, fieldChapters, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

// ParseHeader decodes a header record. Unknown fields and the fill field are
// skipped. Chapter starts must be non-decreasing.
func ParseHeader(b []byte) (*Header, error) {
	h := &Header{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDataHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data hash: %v", ErrCorrupt, protowire.ParseError(n))
			}
			h.DataHash = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldTotalBytes && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: total bytes: %v", ErrCorrupt, protowire.ParseError(n))
			}
			h.TotalBytes = v
			b = b[n:]
		case num == fieldAudioID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: audio id: %v", ErrCorrupt, protowire.ParseError(n))
			}
			h.AudioID = uint32(v)
			b = b[n:]
		case num == fieldChapters && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: chapters: %v", ErrCorrupt, protowire.ParseError(n))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, fmt.Errorf("%w: chapters: %v", ErrCorrupt, protowire.ParseError(m))
				}
				h.ChapterFrames = append(h.ChapterFrames, uint32(v))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldChapters && typ == protowire.VarintType:
			// unpacked encoding of the same repeated field
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: chapters: %v", ErrCorrupt, protowire.ParseError(n))
			}
			h.ChapterFrames = append(h.ChapterFrames, uint32(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if err := h.validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) validate() error {
	for i := 1; i < len(h.ChapterFrames); i++ {
		if h.ChapterFrames[i] < h.ChapterFrames[i-1] {
			return fmt.Errorf("%w: chapter %d starts before chapter %d", ErrCorrupt, i, i-1)
		}
	}
	return nil
}

// ChapterCount returns the number of chapters; a header without a chapter
// table has one chapter spanning the whole payload.
func (h *Header) ChapterCount() int {
	if len(h.ChapterFrames) == 0 {
		return 1
	}
	return len(h.ChapterFrames)
}

// ChapterStart returns the absolute frame index at which chapter c begins
func (h *Header) ChapterStart(c int) int64 {
	if len(h.ChapterFrames) == 0 {
		return 1
	}
	if c < 0 {
		c = 0
	}
	if c >= len(h.ChapterFrames) {
		c = len(h.ChapterFrames) - 1
	}
	return int64(h.ChapterFrames[c]) + 1
}

// ChapterAt returns the chapter that contains the absolute frame index
func (h *Header) ChapterAt(frame int64) int {
	chapter := 0
	for i, start := range h.ChapterFrames {
		if int64(start)+1 <= frame {
			chapter = i
		}
	}
	return chapter
}

// ExpectedSize is the size of a complete container file
func (h *Header) ExpectedSize() int64 {
	return int64(h.TotalBytes) + FrameSize
}

// FrameCount is the number of frames, header frame included, of a complete file
func (h *Header) FrameCount() int64 {
	return (h.ExpectedSize() + FrameSize - 1) / FrameSize
}

var errHeaderTooLarge = errors.New("header exceeds one frame")
