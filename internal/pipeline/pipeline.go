// Package pipeline is a software stand-in for the decode chain. It pulls
// the byte source through reader, decoder and output stages into a sink at
// a fixed byte rate and reports stage transitions as events.
package pipeline

import (
	"errors"
	"io"
	"sync"
	"time"

	"teddybox/internal/playback"

	"github.com/sirupsen/logrus"
)

// ErrNoSource is returned by Run before SetSource
var ErrNoSource = errors.New("pipeline has no source")

// ErrRunning is returned by Run while a run is in progress
var ErrRunning = errors.New("pipeline already running")

const (
	defaultChunk = 1024
	eventBuffer  = 128
)

type run struct {
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	resume chan struct{} // non-nil while paused, guarded by Pipeline.mutex
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Pipeline implements playback.Pipeline
type Pipeline struct {
	out    io.Writer
	rate   int
	chunk  int
	events chan playback.Event
	logger *logrus.Entry

	mutex  sync.Mutex
	source io.Reader
	run    *run
}

// New creates a pipeline writing to out at rate bytes per second. A rate of
// zero writes as fast as the source delivers.
func New(out io.Writer, rate int, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		out:    out,
		rate:   rate,
		chunk:  defaultChunk,
		events: make(chan playback.Event, eventBuffer),
		logger: logger.WithField("component", "pipeline"),
	}
}

// SetSource sets the reader used by the next Run
func (p *Pipeline) SetSource(src io.Reader) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.source = src
}

// Events reports stage transitions. Every Run ends with exactly one output
// stage Stopped or Finished event.
func (p *Pipeline) Events() <-chan playback.Event {
	return p.events
}

// Run starts pulling the source
func (p *Pipeline) Run() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.source == nil {
		return ErrNoSource
	}
	if p.run != nil && !p.run.finished() {
		return ErrRunning
	}

	r := &run{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	p.run = r
	go p.loop(r, p.source)
	return nil
}

// Pause holds the output until Resume
func (p *Pipeline) Pause() error {
	p.mutex.Lock()
	r := p.run
	if r == nil || r.finished() || r.resume != nil {
		p.mutex.Unlock()
		return nil
	}
	r.resume = make(chan struct{})
	p.mutex.Unlock()

	p.emit(playback.StageOutput, playback.EventPaused, nil)
	return nil
}

// Resume continues a paused run
func (p *Pipeline) Resume() error {
	p.mutex.Lock()
	r := p.run
	if r == nil || r.resume == nil {
		p.mutex.Unlock()
		return nil
	}
	close(r.resume)
	r.resume = nil
	p.mutex.Unlock()

	p.emit(playback.StageOutput, playback.EventRunning, nil)
	return nil
}

// Stop ends the current run and waits for its goroutine to exit
func (p *Pipeline) Stop() error {
	p.mutex.Lock()
	r := p.run
	p.run = nil
	p.mutex.Unlock()

	if r == nil {
		return nil
	}
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (p *Pipeline) pausedOn(r *run) chan struct{} {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return r.resume
}

func (p *Pipeline) loop(r *run, src io.Reader) {
	defer close(r.done)

	p.emit(playback.StageReader, playback.EventRunning, nil)
	p.emit(playback.StageOutput, playback.EventRunning, nil)

	buf := make([]byte, p.chunk)
	started := false
	var total int64

	for {
		if r.stopped() {
			p.stopped()
			return
		}
		if resume := p.pausedOn(r); resume != nil {
			select {
			case <-resume:
			case <-r.stop:
				p.stopped()
				return
			}
			continue
		}

		n, err := src.Read(buf)
		if n > 0 {
			if !started {
				started = true
				p.emit(playback.StageDecoder, playback.EventMusicInfo, nil)
			}
			if _, werr := p.out.Write(buf[:n]); werr != nil {
				p.logger.WithError(werr).Warn("Output write failed")
				p.finished(werr)
				return
			}
			total += int64(n)
			if !p.throttle(r, n) {
				p.stopped()
				return
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.logger.WithField("bytes", total).Debug("Source drained")
			p.finished(nil)
			return
		case errors.Is(err, playback.ErrSourceClosed) || r.stopped():
			p.stopped()
			return
		default:
			p.logger.WithError(err).Warn("Source read failed")
			p.finished(err)
			return
		}
	}
}

// throttle waits for n bytes worth of playback time; false means stopped
func (p *Pipeline) throttle(r *run, n int) bool {
	if p.rate <= 0 {
		return true
	}
	timer := time.NewTimer(time.Duration(n) * time.Second / time.Duration(p.rate))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stop:
		return false
	}
}

func (p *Pipeline) stopped() {
	p.emit(playback.StageReader, playback.EventStopped, nil)
	p.emit(playback.StageOutput, playback.EventStopped, nil)
}

func (p *Pipeline) finished(err error) {
	p.emit(playback.StageReader, playback.EventFinished, err)
	p.emit(playback.StageDecoder, playback.EventFinished, err)
	p.emit(playback.StageOutput, playback.EventFinished, err)
}

func (p *Pipeline) emit(stage playback.Stage, kind playback.EventKind, err error) {
	p.events <- playback.Event{Stage: stage, Kind: kind, Err: err}
}
