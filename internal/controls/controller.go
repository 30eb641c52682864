package controls

import (
	"context"

	"github.com/sirupsen/logrus"
)

// InputKind tells which device produced an Input
type InputKind int

const (
	InputEars InputKind = iota
	InputAccel
	InputKnock
)

// Input is one reading from the ear buttons or the accelerometer
type Input struct {
	Kind   InputKind
	Big    bool
	Small  bool
	Sample Sample
	Knock  Knock
}

// Controller dispatches device input to the volume and gesture handlers and
// keeps the idle watcher informed
type Controller struct {
	Volume   *Volume
	ears     *Ears
	gestures *Gestures
	idle     *IdleWatcher
	logger   *logrus.Entry
}

// NewController wires the handlers together. idle may be nil.
func NewController(volume *Volume, gestures *Gestures, idle *IdleWatcher, logger *logrus.Logger) *Controller {
	return &Controller{
		Volume:   volume,
		ears:     NewEars(volume),
		gestures: gestures,
		idle:     idle,
		logger:   logger.WithField("component", "controls"),
	}
}

// Handle processes a single input
func (c *Controller) Handle(ctx context.Context, in Input) error {
	active := false
	var err error

	switch in.Kind {
	case InputEars:
		active = c.ears.Poll(in.Big, in.Small)
	case InputAccel:
		active, err = c.gestures.Sample(ctx, in.Sample)
	case InputKnock:
		active = true
		err = c.gestures.Knock(ctx, in.Knock)
	}

	if active && c.idle != nil {
		c.idle.Touch()
	}
	return err
}

// Run handles inputs until ctx is cancelled or inputs is closed
func (c *Controller) Run(ctx context.Context, inputs <-chan Input) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inputs:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, in); err != nil {
				c.logger.WithError(err).Warn("Input not handled")
			}
		}
	}
}
