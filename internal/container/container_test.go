package container

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// writeAsset writes a container with the given header and payload and
// returns its path
func writeAsset(t *testing.T, h *Header, payload []byte) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, h, payload))

	path := filepath.Join(t.TempDir(), "asset")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestHeaderRoundTrip(t *testing.T) {
	headers := []*Header{
		{AudioID: 1, TotalBytes: 0},
		{AudioID: 0x5F0E1A2B, TotalBytes: 1 << 40, ChapterFrames: []uint32{0, 10, 25}},
		{AudioID: 7, TotalBytes: 4096 * 3, ChapterFrames: []uint32{0}, DataHash: bytes.Repeat([]byte{0xAB}, 20)},
		{TotalBytes: 12345, ChapterFrames: []uint32{0, 0, 3, 3, 900}},
	}

	for _, h := range headers {
		parsed, err := ParseHeader(h.Marshal())
		require.NoError(t, err)
		assert.Equal(t, h.AudioID, parsed.AudioID)
		assert.Equal(t, h.TotalBytes, parsed.TotalBytes)
		assert.Equal(t, h.ChapterFrames, parsed.ChapterFrames)
		if len(h.DataHash) > 0 {
			assert.Equal(t, h.DataHash, parsed.DataHash)
		}
	}
}

func TestParseHeaderSkipsFillAndUnpackedChapters(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldTotalBytes, protowire.VarintType)
	b = protowire.AppendVarint(b, 100)
	b = protowire.AppendTag(b, fieldChapters, protowire.VarintType)
	b = protowire.AppendVarint(b, 0)
	b = protowire.AppendTag(b, fieldChapters, protowire.VarintType)
	b = protowire.AppendVarint(b, 4)
	b = protowire.AppendTag(b, fieldFill, protowire.BytesType)
	b = protowire.AppendBytes(b, make([]byte, 64))

	h, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), h.TotalBytes)
	assert.Equal(t, []uint32{0, 4}, h.ChapterFrames)
}

func TestParseHeaderRejectsDecreasingChapters(t *testing.T) {
	h := &Header{ChapterFrames: []uint32{0, 10, 5}}
	_, err := ParseHeader(h.Marshal())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestParseHeaderRejectsGarbage(t *testing.T) {
	_, err := ParseHeader([]byte{0xFF, 0xFF, 0xFF})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestOpen(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, FrameSize*2+100)
	path := writeAsset(t, &Header{AudioID: 9, ChapterFrames: []uint32{0, 1}}, payload)

	cf, err := Open(path)
	require.NoError(t, err)
	defer cf.Close()

	assert.Equal(t, uint32(9), cf.Header.AudioID)
	assert.Equal(t, uint64(len(payload)), cf.Header.TotalBytes)
	assert.False(t, cf.Partial())
	assert.Equal(t, int64(4), cf.Header.FrameCount())
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("NotFound", func(t *testing.T) {
		_, err := Open(filepath.Join(dir, "missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TooSmall", func(t *testing.T) {
		path := filepath.Join(dir, "small")
		require.NoError(t, os.WriteFile(path, []byte{0, 0}, 0644))
		_, err := Open(path)
		assert.ErrorIs(t, err, ErrTooSmall)
	})

	t.Run("HeaderLargerThanFrame", func(t *testing.T) {
		frame := make([]byte, FrameSize*2)
		binary.BigEndian.PutUint32(frame, FrameSize+1)
		path := filepath.Join(dir, "oversized")
		require.NoError(t, os.WriteFile(path, frame, 0644))
		_, err := Open(path)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestReadFrame(t *testing.T) {
	payload := make([]byte, FrameSize+10)
	for i := range payload {
		payload[i] = byte(i / FrameSize)
	}
	path := writeAsset(t, &Header{}, payload)

	cf, err := Open(path)
	require.NoError(t, err)
	defer cf.Close()

	buf := make([]byte, FrameSize)
	n, err := ReadFrame(cf, 1, buf)
	require.NoError(t, err)
	assert.Equal(t, FrameSize, n)
	assert.Equal(t, byte(0), buf[0])

	// short read at the end is end-of-stream, not an error condition
	n, err = ReadFrame(cf, 2, buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 10, n)
	assert.Equal(t, byte(1), buf[0])

	n, err = ReadFrame(cf, 3, buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()

	t.Run("Good", func(t *testing.T) {
		path := writeAsset(t, &Header{}, make([]byte, FrameSize*3))
		report := Classify(path)
		assert.Equal(t, HealthGood, report.Health)
		assert.False(t, report.Resumable())
	})

	t.Run("Missing", func(t *testing.T) {
		assert.Equal(t, HealthMissing, Classify(filepath.Join(dir, "nope")).Health)
	})

	t.Run("Empty", func(t *testing.T) {
		path := filepath.Join(dir, "empty")
		require.NoError(t, os.WriteFile(path, nil, 0644))
		assert.Equal(t, HealthEmpty, Classify(path).Health)
	})

	t.Run("Corrupt", func(t *testing.T) {
		frame := make([]byte, FrameSize)
		binary.BigEndian.PutUint32(frame, 5000)
		path := filepath.Join(dir, "corrupt")
		require.NoError(t, os.WriteFile(path, frame, 0644))
		assert.Equal(t, HealthCorrupt, Classify(path).Health)
	})

	t.Run("Partial", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteHeader(&buf, &Header{TotalBytes: 100000}))
		buf.Write(make([]byte, 50000))
		path := filepath.Join(dir, "partial")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

		report := Classify(path)
		assert.Equal(t, HealthPartial, report.Health)
		assert.Equal(t, int64(50000+FrameSize), report.Size)
		assert.True(t, report.Resumable())
	})
}

func TestChapters(t *testing.T) {
	h := &Header{ChapterFrames: []uint32{0, 10, 25}}

	assert.Equal(t, 3, h.ChapterCount())
	assert.Equal(t, int64(1), h.ChapterStart(0))
	assert.Equal(t, int64(11), h.ChapterStart(1))
	assert.Equal(t, int64(26), h.ChapterStart(2))
	assert.Equal(t, int64(26), h.ChapterStart(7))

	assert.Equal(t, 0, h.ChapterAt(1))
	assert.Equal(t, 0, h.ChapterAt(10))
	assert.Equal(t, 1, h.ChapterAt(11))
	assert.Equal(t, 1, h.ChapterAt(25))
	assert.Equal(t, 2, h.ChapterAt(26))

	empty := &Header{}
	assert.Equal(t, 1, empty.ChapterCount())
	assert.Equal(t, int64(1), empty.ChapterStart(0))
}
