package pipeline

import (
	"fmt"
	"io"
	"os"
	"sync"

	"teddybox/internal/controls"

	"github.com/sirupsen/logrus"
)

// Output is the sink end of the pipeline. It drops data while muted and
// stands in for the codec's volume and beep controls.
type Output struct {
	mutex  sync.Mutex
	w      io.Writer
	closer io.Closer
	muted  bool
	volume int
	logger *logrus.Entry
}

// OpenOutput opens path for appending; an empty path discards the stream
func OpenOutput(path string, logger *logrus.Logger) (*Output, error) {
	o := &Output{
		w:      io.Discard,
		muted:  true,
		logger: logger.WithField("component", "output"),
	}
	if path == "" {
		return o, nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", path, err)
	}
	o.w = f
	o.closer = f
	return o, nil
}

// NewOutput wraps w
func NewOutput(w io.Writer, logger *logrus.Logger) *Output {
	return &Output{w: w, muted: true, logger: logger.WithField("component", "output")}
}

func (o *Output) Write(p []byte) (int, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.muted {
		return len(p), nil
	}
	return o.w.Write(p)
}

// SetMute implements playback.Muter
func (o *Output) SetMute(muted bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.muted != muted {
		o.logger.WithField("muted", muted).Debug("Mute changed")
	}
	o.muted = muted
}

// Muted reports the mute state
func (o *Output) Muted() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.muted
}

// SetVolume implements controls.Amplifier
func (o *Output) SetVolume(level int) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.volume = level
	o.logger.WithField("volume", level).Debug("Volume applied")
}

// Volume returns the applied level
func (o *Output) Volume() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.volume
}

// Beep implements controls.Beeper
func (o *Output) Beep(b controls.Beep) {
	o.logger.WithField("beep", int(b)).Debug("Beep")
}

// Close closes the underlying file, if any
func (o *Output) Close() error {
	if o.closer != nil {
		return o.closer.Close()
	}
	return nil
}
