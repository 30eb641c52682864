package controls

import (
	"context"
	"math"

	"teddybox/internal/config"

	"github.com/sirupsen/logrus"
)

// Seeker is the part of the orchestrator gestures navigate with
type Seeker interface {
	SeekRelative(ctx context.Context, frames int64) error
	SeekChapter(ctx context.Context, delta int) error
}

// Sample is one accelerometer reading in g
type Sample struct {
	X, Y, Z float64
}

// Knock is a click detected by the accelerometer on one side of the device
type Knock int

const (
	KnockLeft  Knock = -1
	KnockRight Knock = 1
)

// Gestures turns tilt and knock input into navigation. Holding the device
// tilted seeks repeatedly, a knock jumps one chapter.
type Gestures struct {
	seeker Seeker
	frames int64
	repeat int
	angle  float64
	logger *logrus.Entry

	tilt  int
	ticks int
}

// NewGestures creates a gesture handler
func NewGestures(cfg config.ControlsConfig, seeker Seeker, logger *logrus.Logger) *Gestures {
	repeat := cfg.AccelSeekRepeat
	if repeat <= 0 {
		repeat = 1
	}
	return &Gestures{
		seeker: seeker,
		frames: int64(cfg.AccelSeekFrames),
		repeat: repeat,
		angle:  float64(cfg.AccelTiltAngle),
		logger: logger.WithField("component", "gestures"),
	}
}

// TiltDirection returns 1 when s is tilted forward past the configured
// angle, -1 when tilted backward and 0 otherwise
func (g *Gestures) TiltDirection(s Sample) int {
	if s.X == 0 && s.Z == 0 {
		return 0
	}
	deg := math.Atan2(s.X, s.Z) * 180 / math.Pi
	switch {
	case deg > g.angle:
		return 1
	case deg < -g.angle:
		return -1
	default:
		return 0
	}
}

// Sample feeds one accelerometer tick. It reports whether the device is
// tilted.
func (g *Gestures) Sample(ctx context.Context, s Sample) (bool, error) {
	dir := g.TiltDirection(s)
	if dir == 0 {
		g.tilt = 0
		g.ticks = 0
		return false, nil
	}
	if dir != g.tilt {
		g.tilt = dir
		g.ticks = 0
	}

	fire := g.ticks%g.repeat == 0
	g.ticks++
	if !fire {
		return true, nil
	}

	frames := int64(dir) * g.frames
	g.logger.WithField("frames", frames).Debug("Tilt seek")
	return true, g.seeker.SeekRelative(ctx, frames)
}

// Knock jumps one chapter in the direction of the knock
func (g *Gestures) Knock(ctx context.Context, k Knock) error {
	delta := 1
	if k < 0 {
		delta = -1
	}
	g.logger.WithField("delta", delta).Debug("Knock")
	return g.seeker.SeekChapter(ctx, delta)
}
