package playback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"teddybox/internal/container"
	"teddybox/internal/fetcher"
)

var (
	ErrSourceClosed   = errors.New("source closed")
	ErrDownloadFailed = errors.New("download failed")
)

// Source feeds container payload to the decode pipeline. The pipeline pulls
// through Read; navigation requests are queued on the cursor and applied
// by the next Read.
type Source struct {
	mutex     sync.Mutex
	reader    io.ReaderAt
	closer    io.Closer
	header    *container.Header
	cursor    Cursor
	lastFrame int64
	closed    bool
}

// NewSource creates a source starting at the beginning of startFrame
func NewSource(r io.ReaderAt, closer io.Closer, h *container.Header, startFrame int64) *Source {
	cursor := NewCursor(startFrame)
	cursor.Chapter = h.ChapterAt(cursor.Frame)
	return &Source{
		reader:    r,
		closer:    closer,
		header:    h,
		cursor:    cursor,
		lastFrame: cursor.Frame - 1,
	}
}

// Read delivers at most the rest of the current frame. End of file is
// reported as io.EOF; any other read failure closes the source.
func (s *Source) Read(p []byte) (int, error) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return 0, ErrSourceClosed
	}
	s.cursor.Resolve(s.header)
	off := s.cursor.Offset
	if remaining := s.cursor.FrameRemaining(); len(p) > remaining {
		p = p[:remaining]
	}
	s.mutex.Unlock()

	n, err := s.reader.ReadAt(p, off)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if n > 0 {
		s.lastFrame = off / container.FrameSize
		s.cursor.Advance(s.header, n)
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	default:
		s.closeLocked()
		return n, fmt.Errorf("read at offset %d: %w", off, err)
	}
}

// SeekRelative queues a relative seek in frames
func (s *Source) SeekRelative(frames int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cursor.SeekRelative(frames)
}

// SeekChapter queues a jump delta chapters away from the current one
func (s *Source) SeekChapter(delta int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cursor.SeekChapter(s.header, delta)
}

// Position returns the cursor frame and chapter
func (s *Source) Position() (int64, int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cursor.Frame, s.cursor.Chapter
}

// LastFrame returns the absolute index of the last frame delivered
func (s *Source) LastFrame() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastFrame
}

// Header returns the container header
func (s *Source) Header() *container.Header {
	return s.header
}

// Close releases the underlying reader; a blocked Read returns ErrSourceClosed
func (s *Source) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closeLocked()
}

func (s *Source) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// downloadReader reads a file that is still being written. It waits for
// missing bytes instead of returning short reads and switches to its own
// file handle once the download has finished.
type downloadReader struct {
	dl      Download
	closing chan struct{}
	once    sync.Once

	mutex sync.Mutex
	file  *os.File
}

func newDownloadReader(dl Download) *downloadReader {
	return &downloadReader{
		dl:      dl,
		closing: make(chan struct{}),
	}
}

func (d *downloadReader) ReadAt(p []byte, off int64) (int, error) {
	got := 0
	for got < len(p) {
		if f := d.ownFile(); f != nil {
			n, err := f.ReadAt(p[got:], off+int64(got))
			return got + n, err
		}

		updated := d.dl.Updated()
		n, err := d.dl.ReadAt(p[got:], off+int64(got))
		got += n
		if got == len(p) {
			break
		}

		switch {
		case errors.Is(err, fetcher.ErrReleased) || d.dl.State().Terminal():
			if d.dl.State() != fetcher.StateFinished {
				return got, fmt.Errorf("%w: %v", ErrDownloadFailed, d.dl.Err())
			}
			if err := d.takeOver(); err != nil {
				return got, err
			}
			continue
		case err != nil:
			return got, err
		case n > 0:
			continue
		}

		select {
		case <-updated:
		case <-d.dl.Done():
		case <-d.closing:
			return got, ErrSourceClosed
		}
	}
	return got, nil
}

func (d *downloadReader) ownFile() *os.File {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.file
}

// takeOver opens the finished file with a handle owned by the reader
func (d *downloadReader) takeOver() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	select {
	case <-d.closing:
		return ErrSourceClosed
	default:
	}
	if d.file != nil {
		return nil
	}
	f, err := os.Open(d.dl.Path())
	if err != nil {
		return fmt.Errorf("failed to open finished download: %w", err)
	}
	d.file = f
	return nil
}

// Downloading reports whether reads still go through the download
func (d *downloadReader) Downloading() bool {
	return d.ownFile() == nil
}

func (d *downloadReader) Close() error {
	d.once.Do(func() { close(d.closing) })

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		return err
	}
	return nil
}
