package fetcher

import (
	"time"

	"github.com/sirupsen/logrus"
)

// fileLock guards the download file handle. Acquisition waits in bounded
// slices; every expired slice is logged and the wait continues, a write is
// never dropped.
type fileLock struct {
	ch      chan struct{}
	timeout time.Duration
	logger  *logrus.Entry
}

func newFileLock(timeout time.Duration, logger *logrus.Entry) *fileLock {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &fileLock{
		ch:      make(chan struct{}, 1),
		timeout: timeout,
		logger:  logger,
	}
}

func (l *fileLock) acquire() {
	select {
	case l.ch <- struct{}{}:
		return
	default:
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	for {
		select {
		case l.ch <- struct{}{}:
			return
		case <-timer.C:
			l.logger.Warn("Timed out waiting for file lock")
			timer.Reset(l.timeout)
		}
	}
}

func (l *fileLock) release() {
	<-l.ch
}
