package playback

import (
	"teddybox/internal/container"
)

const (
	noTarget  = -1
	noChapter = -1

	// minSeekOffset keeps seeks out of the header frame and the stream
	// initiation frame, which must always be read from its start
	minSeekOffset = 2 * container.FrameSize
)

// Cursor is the read position inside a container together with the
// navigation requests not yet applied. Pending requests are resolved in the
// order chapter, relative seek, direct target.
type Cursor struct {
	Offset  int64
	Frame   int64
	Chapter int

	target         int64
	seekDelta      int64
	pendingChapter int
}

// NewCursor returns a cursor positioned at the start of frame
func NewCursor(frame int64) Cursor {
	if frame < 1 {
		frame = 1
	}
	return Cursor{
		Offset:         frame * container.FrameSize,
		Frame:          frame,
		target:         noTarget,
		pendingChapter: noChapter,
	}
}

// SeekRelative adds frames to the pending relative seek
func (c *Cursor) SeekRelative(frames int64) {
	c.seekDelta += frames
}

// SeekChapter requests the chapter delta chapters away from the current one
func (c *Cursor) SeekChapter(h *container.Header, delta int) {
	target := c.Chapter + delta
	if c.pendingChapter != noChapter {
		target = c.pendingChapter + delta
	}
	c.pendingChapter = clamp(target, 0, h.ChapterCount()-1)
}

// SeekTo requests an absolute byte offset
func (c *Cursor) SeekTo(offset int64) {
	c.target = offset
}

// Pending reports whether a navigation request waits to be applied
func (c *Cursor) Pending() bool {
	return c.pendingChapter != noChapter || c.seekDelta != 0 || c.target != noTarget
}

// Resolve applies pending navigation. A chapter request supersedes a
// relative seek issued before it; each request is cleared once applied.
func (c *Cursor) Resolve(h *container.Header) {
	switch {
	case c.pendingChapter != noChapter:
		c.target = h.ChapterStart(c.pendingChapter) * container.FrameSize
		c.pendingChapter = noChapter
		c.seekDelta = 0
	case c.seekDelta != 0:
		c.target = (c.Frame + c.seekDelta) * container.FrameSize
		c.seekDelta = 0
	}

	if c.target == noTarget {
		return
	}
	target := c.target
	c.target = noTarget

	if target < minSeekOffset {
		target = minSeekOffset
	}
	target -= target % container.FrameSize

	c.Offset = target
	c.Frame = target / container.FrameSize
}

// Advance moves the cursor past n delivered bytes and recomputes the chapter
func (c *Cursor) Advance(h *container.Header, n int) {
	c.Offset += int64(n)
	c.Frame = c.Offset / container.FrameSize
	c.Chapter = h.ChapterAt(c.Frame)
}

// FrameRemaining is the number of bytes left in the current frame
func (c *Cursor) FrameRemaining() int {
	return int(container.FrameSize - c.Offset%container.FrameSize)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
