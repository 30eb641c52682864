// Package container reads and writes the framed audio container: a header
// record in frame 0 followed by a payload split into fixed-size frames.
//
// Layout:
//
//	offset 0     4-byte big-endian header length L
//	offset 4     L bytes of serialized Header
//	offset 4096  payload, frame aligned
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// FrameSize is the unit of seek alignment and decode pull
const FrameSize = 4096

// maxHeaderSize keeps the length prefix and header inside frame 0
const maxHeaderSize = FrameSize - 4

var (
	ErrNotFound = errors.New("asset not found")
	ErrTooSmall = errors.New("asset too small")
	ErrCorrupt  = errors.New("asset corrupt")
)

// File is an opened container
type File struct {
	f      *os.File
	Header *Header
	Size   int64
}

// Open opens a container and parses its header
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() < FrameSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes", ErrTooSmall, path, info.Size())
	}

	header, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{f: f, Header: header, Size: info.Size()}, nil
}

// ReadHeader reads the length-prefixed header from frame 0
func ReadHeader(r io.ReaderAt) (*Header, error) {
	var prefix [4]byte
	if _, err := r.ReadAt(prefix[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTooSmall
		}
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxHeaderSize {
		return nil, fmt.Errorf("%w: %w (%d bytes)", ErrCorrupt, errHeaderTooLarge, length)
	}

	buf := make([]byte, length)
	if _, err := r.ReadAt(buf, 4); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	return ParseHeader(buf)
}

// ReadFrame reads up to one frame at index*FrameSize into buf. A short read
// at the end of the file returns the bytes read together with io.EOF.
func ReadFrame(r io.ReaderAt, index int64, buf []byte) (int, error) {
	if len(buf) > FrameSize {
		buf = buf[:FrameSize]
	}
	return r.ReadAt(buf, index*FrameSize)
}

// ReadAt implements io.ReaderAt
func (cf *File) ReadAt(p []byte, off int64) (int, error) {
	return cf.f.ReadAt(p, off)
}

// Partial reports whether the file is shorter or longer than its header declares
func (cf *File) Partial() bool {
	return cf.Size != cf.Header.ExpectedSize()
}

// Close closes the underlying file
func (cf *File) Close() error {
	return cf.f.Close()
}

// WriteHeader writes frame 0: length prefix, header, zero fill
func WriteHeader(w io.Writer, h *Header) error {
	record := h.Marshal()
	if len(record) > maxHeaderSize {
		return fmt.Errorf("%w (%d bytes)", errHeaderTooLarge, len(record))
	}

	frame := make([]byte, FrameSize)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(record)))
	copy(frame[4:], record)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write header frame: %w", err)
	}
	return nil
}

// Write writes a complete container. TotalBytes is set from the payload.
func Write(w io.Writer, h *Header, payload []byte) error {
	h.TotalBytes = uint64(len(payload))
	if err := WriteHeader(w, h); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}
