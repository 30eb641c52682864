package controls

import (
	"context"
	"sync/atomic"
	"time"

	"teddybox/internal/playback"
	"teddybox/pkg/models"

	"github.com/sirupsen/logrus"
)

// IdleWatcher powers the device off after a period without playback or input
type IdleWatcher struct {
	timeout  time.Duration
	interval time.Duration
	states   *playback.StateManager
	logger   *logrus.Entry

	lastActivity atomic.Int64
}

// NewIdleWatcher creates a watcher that expires after timeout of inactivity
func NewIdleWatcher(timeout time.Duration, states *playback.StateManager, logger *logrus.Logger) *IdleWatcher {
	interval := timeout / 20
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}

	w := &IdleWatcher{
		timeout:  timeout,
		interval: interval,
		states:   states,
		logger:   logger.WithField("component", "power"),
	}
	w.Touch()
	return w
}

// Touch records user activity
func (w *IdleWatcher) Touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// Idle returns how long nothing happened
func (w *IdleWatcher) Idle() time.Duration {
	return time.Since(time.Unix(0, w.lastActivity.Load()))
}

// Run blocks until the inactivity timeout expires or ctx is cancelled. On
// expiry it publishes the poweroff state and returns nil.
func (w *IdleWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			switch w.states.GetState().State {
			case models.StatePlaying, models.StatePlayingDownload, models.StateChecking:
				w.Touch()
				continue
			}
			if w.Idle() > w.timeout {
				w.logger.WithField("timeout", w.timeout).Info("Powering off after inactivity")
				w.states.SetState(models.StatePowerOff)
				return nil
			}
		}
	}
}
