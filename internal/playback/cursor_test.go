package playback

import (
	"math/rand"
	"testing"

	"teddybox/internal/container"

	"github.com/stretchr/testify/assert"
)

func chapterHeader(chapters ...uint32) *container.Header {
	return &container.Header{
		AudioID:       1,
		TotalBytes:    100 * container.FrameSize,
		ChapterFrames: chapters,
	}
}

func TestCursorChapterSeek(t *testing.T) {
	h := chapterHeader(0, 10, 25)
	c := NewCursor(1)

	c.SeekChapter(h, 1)
	c.Resolve(h)
	assert.Equal(t, int64(11), c.Frame)
	assert.Equal(t, int64(11*container.FrameSize), c.Offset)

	c.Advance(h, container.FrameSize)
	assert.Equal(t, 1, c.Chapter)

	c.SeekChapter(h, 5)
	c.Resolve(h)
	assert.Equal(t, int64(26), c.Frame, "clamped to the last chapter")

	c.Advance(h, 1)
	c.SeekChapter(h, -10)
	c.Resolve(h)
	assert.Equal(t, int64(2), c.Frame, "chapter 0 lands behind the initiation frame")
}

func TestCursorRepeatedChapterRequestsAccumulate(t *testing.T) {
	h := chapterHeader(0, 10, 25, 40)
	c := NewCursor(1)

	c.SeekChapter(h, 1)
	c.SeekChapter(h, 1)
	c.Resolve(h)
	assert.Equal(t, int64(26), c.Frame)
}

func TestCursorRelativeSeekAccumulates(t *testing.T) {
	h := chapterHeader(0)
	c := NewCursor(10)

	c.SeekRelative(5)
	c.SeekRelative(5)
	assert.True(t, c.Pending())
	c.Resolve(h)
	assert.False(t, c.Pending())
	assert.Equal(t, int64(20), c.Frame)

	c.SeekRelative(-100)
	c.Resolve(h)
	assert.Equal(t, int64(2), c.Frame)
	assert.Equal(t, int64(minSeekOffset), c.Offset)
}

func TestCursorChapterSupersedesRelativeSeek(t *testing.T) {
	h := chapterHeader(0, 10, 25)
	c := NewCursor(5)

	c.SeekRelative(30)
	c.SeekChapter(h, 1)
	c.Resolve(h)
	assert.Equal(t, int64(11), c.Frame)
	assert.False(t, c.Pending())
}

func TestCursorDirectTargetIsAligned(t *testing.T) {
	h := chapterHeader(0)
	c := NewCursor(1)

	c.SeekTo(5*container.FrameSize + 123)
	c.Resolve(h)
	assert.Equal(t, int64(5*container.FrameSize), c.Offset)

	c.SeekTo(17)
	c.Resolve(h)
	assert.Equal(t, int64(minSeekOffset), c.Offset)
}

func TestCursorResolveWithoutRequestKeepsPosition(t *testing.T) {
	h := chapterHeader(0)
	c := NewCursor(1)
	c.Advance(h, 100)

	c.Resolve(h)
	assert.Equal(t, int64(container.FrameSize+100), c.Offset)
	assert.Equal(t, container.FrameSize-100, c.FrameRemaining())
}

func TestCursorSeekAlignmentProperty(t *testing.T) {
	h := chapterHeader(0, 3, 9, 20, 50)
	rng := rand.New(rand.NewSource(1))

	for run := 0; run < 200; run++ {
		c := NewCursor(int64(1 + rng.Intn(60)))
		for step := 0; step < 20; step++ {
			switch rng.Intn(4) {
			case 0:
				c.SeekRelative(int64(rng.Intn(41) - 20))
			case 1:
				c.SeekChapter(h, rng.Intn(5)-2)
			case 2:
				c.SeekTo(int64(rng.Intn(80 * container.FrameSize)))
			default:
				c.Advance(h, rng.Intn(container.FrameSize))
				continue
			}

			if !c.Pending() {
				continue
			}
			c.Resolve(h)
			assert.GreaterOrEqual(t, c.Offset, int64(2*container.FrameSize))
			assert.Zero(t, c.Offset%container.FrameSize)
		}
	}
}
