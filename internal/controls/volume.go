// Package controls maps ear buttons and accelerometer gestures onto volume
// and navigation, and powers the device off when it is left alone.
package controls

import (
	"sync"

	"teddybox/internal/config"
	"teddybox/internal/playback"

	"github.com/sirupsen/logrus"
)

// Beep selects one of the codec's built-in tones
type Beep int

const (
	BeepVolumeUp Beep = iota
	BeepVolumeUpLimit
	BeepVolumeDown
	BeepVolumeDownLimit
)

const (
	MinVolume = 0
	MaxVolume = 100
)

// Beeper plays a short feedback tone
type Beeper interface {
	Beep(b Beep)
}

// Amplifier applies a volume level to the output
type Amplifier interface {
	SetVolume(level int)
}

// VolumeStore persists the volume across power cycles
type VolumeStore interface {
	SaveVolume(volume uint32) error
}

// VolumeOptions are the collaborators of a Volume. All of them are optional.
type VolumeOptions struct {
	Beeper    Beeper
	Amplifier Amplifier
	Store     VolumeStore
	States    *playback.StateManager
}

// Volume holds the output level
type Volume struct {
	mutex  sync.Mutex
	level  int
	step   int
	opts   VolumeOptions
	logger *logrus.Entry
}

// NewVolume creates a volume control at initial and applies it
func NewVolume(cfg config.ControlsConfig, initial int, opts VolumeOptions, logger *logrus.Logger) *Volume {
	step := cfg.VolumeStep
	if step <= 0 {
		step = 10
	}
	if initial < MinVolume || initial > MaxVolume {
		initial = MinVolume
	}

	v := &Volume{
		level:  initial,
		step:   step,
		opts:   opts,
		logger: logger.WithField("component", "volume"),
	}
	v.apply()
	return v
}

// Level returns the current volume
func (v *Volume) Level() int {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.level
}

// Up raises the volume by one step
func (v *Volume) Up() int {
	return v.Change(1)
}

// Down lowers the volume by one step
func (v *Volume) Down() int {
	return v.Change(-1)
}

// Change moves the volume by steps, one step at a time, beeping for every
// step taken and once more when a limit stops it. It returns the new level.
func (v *Volume) Change(steps int) int {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	dir := 1
	if steps < 0 {
		dir = -1
		steps = -steps
	}

	changed := false
	for i := 0; i < steps; i++ {
		next := v.level + dir*v.step
		if next > MaxVolume || next < MinVolume {
			v.logger.WithField("volume", v.level).Info("Volume at limit")
			v.beep(limitBeep(dir))
			break
		}
		v.level = next
		changed = true
		v.logger.WithField("volume", v.level).Info("Volume changed")
		v.beep(stepBeep(dir))
	}

	if changed {
		v.apply()
		if v.opts.Store != nil {
			if err := v.opts.Store.SaveVolume(uint32(v.level)); err != nil {
				v.logger.WithError(err).Warn("Failed to persist volume")
			}
		}
	}
	return v.level
}

func (v *Volume) apply() {
	if v.opts.Amplifier != nil {
		v.opts.Amplifier.SetVolume(v.level)
	}
	if v.opts.States != nil {
		v.opts.States.UpdateVolume(v.level)
	}
}

func (v *Volume) beep(b Beep) {
	if v.opts.Beeper != nil {
		v.opts.Beeper.Beep(b)
	}
}

func stepBeep(dir int) Beep {
	if dir > 0 {
		return BeepVolumeUp
	}
	return BeepVolumeDown
}

func limitBeep(dir int) Beep {
	if dir > 0 {
		return BeepVolumeUpLimit
	}
	return BeepVolumeDownLimit
}

// Ears turns polled ear button levels into volume steps on press
type Ears struct {
	volume    *Volume
	bigPrev   bool
	smallPrev bool
}

// NewEars creates an ear button handler for volume
func NewEars(volume *Volume) *Ears {
	return &Ears{volume: volume}
}

// Poll takes the current button levels. The big ear raises, the small ear
// lowers the volume. It reports whether either button is held.
func (e *Ears) Poll(big, small bool) bool {
	if big && !e.bigPrev {
		e.volume.Up()
	}
	if small && !e.smallPrev {
		e.volume.Down()
	}
	e.bigPrev = big
	e.smallPrev = small
	return big || small
}
