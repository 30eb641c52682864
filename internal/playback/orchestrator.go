package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"teddybox/internal/config"
	"teddybox/internal/container"
	"teddybox/internal/content"
	"teddybox/internal/fetcher"
	"teddybox/pkg/models"

	"github.com/sirupsen/logrus"
)

var (
	ErrTimeout     = errors.New("timed out waiting for download")
	ErrNoToken     = errors.New("no token for download")
	ErrQueueClosed = errors.New("playback queue closed")
)

// System sounds played through PlayDefaultAsset
const (
	SoundStartup      uint32 = 0
	SoundLowBattery   uint32 = 3
	SoundDownloadDone uint32 = 6
)

type commandKind int

const (
	cmdPlayByUid commandKind = iota
	cmdPlayWithToken
	cmdPlayDefault
	cmdStop
	cmdSeekRelative
	cmdSeekChapter
	cmdTogglePause
	cmdStatus
)

type command struct {
	kind   commandKind
	id     content.Identity
	token  content.Token
	asset  uint32
	frames int64
	delta  int
	done   chan error
}

type sourceKind string

const (
	sourceLocal    sourceKind = "local"
	sourceDownload sourceKind = "download"
	sourceSystem   sourceKind = "default"
)

// session is one pipeline run and everything it holds
type session struct {
	id       content.Identity
	kind     sourceKind
	source   *Source
	download Download
	reader   *downloadReader
	persist  bool
}

func (s *session) state() models.SystemState {
	if s.reader != nil && s.reader.Downloading() {
		return models.StatePlayingDownload
	}
	return models.StatePlaying
}

// Options are the collaborators of an Orchestrator
type Options struct {
	Pipeline   Pipeline
	Downloader Downloader
	Store      ResumeStore
	Muter      Muter
	Recorder   Recorder
	States     *StateManager
}

// Orchestrator turns play and stop requests into pipeline runs. All requests
// go through one bounded FIFO queue and are handled one at a time by Run.
type Orchestrator struct {
	config     config.PlaybackConfig
	root       string
	wait       time.Duration
	pipeline   Pipeline
	downloader Downloader
	store      ResumeStore
	muter      Muter
	recorder   Recorder
	states     *StateManager
	logger     *logrus.Entry

	commands chan command
	closed   chan struct{}

	// owned by Run
	current     *session
	outstanding int
	paused      bool
}

// New creates an orchestrator; call Run to start processing
func New(cfg *config.Config, opts Options, logger *logrus.Logger) *Orchestrator {
	states := opts.States
	if states == nil {
		states = NewStateManager()
	}
	return &Orchestrator{
		config:     cfg.Playback,
		root:       cfg.Content.Root,
		wait:       cfg.DownloadWait(),
		pipeline:   opts.Pipeline,
		downloader: opts.Downloader,
		store:      opts.Store,
		muter:      opts.Muter,
		recorder:   opts.Recorder,
		states:     states,
		logger:     logger.WithField("component", "playback"),
		commands:   make(chan command, cfg.Playback.QueueSize),
		closed:     make(chan struct{}),
	}
}

// States returns the state manager the orchestrator publishes to
func (o *Orchestrator) States() *StateManager {
	return o.states
}

// PlayByUid plays the local asset of id or waits for a token to fetch it
func (o *Orchestrator) PlayByUid(ctx context.Context, id content.Identity) error {
	return o.enqueue(ctx, command{kind: cmdPlayByUid, id: id})
}

// PlayWithToken fetches and plays id unless something is already playing
func (o *Orchestrator) PlayWithToken(ctx context.Context, id content.Identity, token content.Token) error {
	return o.enqueue(ctx, command{kind: cmdPlayWithToken, id: id, token: token})
}

// PlayDefaultAsset plays a system sound
func (o *Orchestrator) PlayDefaultAsset(ctx context.Context, asset uint32) error {
	return o.enqueue(ctx, command{kind: cmdPlayDefault, asset: asset})
}

// Stop ends playback. It returns once the pipeline is stopped, all handles
// are closed and any download has reached a terminal state.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.call(ctx, command{kind: cmdStop})
}

// SeekRelative moves the playback position by frames
func (o *Orchestrator) SeekRelative(ctx context.Context, frames int64) error {
	return o.enqueue(ctx, command{kind: cmdSeekRelative, frames: frames})
}

// SeekChapter jumps delta chapters
func (o *Orchestrator) SeekChapter(ctx context.Context, delta int) error {
	return o.enqueue(ctx, command{kind: cmdSeekChapter, delta: delta})
}

// TogglePause pauses or resumes the pipeline
func (o *Orchestrator) TogglePause(ctx context.Context) error {
	return o.enqueue(ctx, command{kind: cmdTogglePause})
}

// Status returns the state after all previously queued commands ran
func (o *Orchestrator) Status(ctx context.Context) (*Snapshot, error) {
	if err := o.call(ctx, command{kind: cmdStatus}); err != nil {
		return nil, err
	}
	return o.states.GetState(), nil
}

func (o *Orchestrator) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-o.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case o.commands <- cmd:
		return nil
	case <-o.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) call(ctx context.Context, cmd command) error {
	cmd.done = make(chan error, 1)
	if err := o.enqueue(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.done:
		return err
	case <-o.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles commands and pipeline events until ctx is cancelled
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.closed)
	o.logger.Info("Playback orchestrator started")

	for {
		select {
		case <-ctx.Done():
			o.stop(context.Background())
			return ctx.Err()
		case cmd := <-o.commands:
			err := o.handle(ctx, cmd)
			if err != nil {
				o.logger.WithError(err).Warn("Playback command failed")
			}
			if cmd.done != nil {
				cmd.done <- err
			}
		case ev := <-o.pipeline.Events():
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case cmdPlayByUid:
		return o.playByUid(ctx, cmd.id)
	case cmdPlayWithToken:
		return o.playWithToken(ctx, cmd.id, cmd.token)
	case cmdPlayDefault:
		return o.playDefault(ctx, cmd.asset)
	case cmdStop:
		o.stop(ctx)
		return nil
	case cmdSeekRelative:
		if o.current != nil {
			o.current.source.SeekRelative(cmd.frames)
		}
	case cmdSeekChapter:
		if o.current != nil {
			o.current.source.SeekChapter(cmd.delta)
		}
	case cmdTogglePause:
		return o.togglePause()
	case cmdStatus:
		if o.current != nil {
			o.states.UpdatePosition(o.current.source.Position())
			o.states.SetState(o.current.state())
		}
	}
	return nil
}

func (o *Orchestrator) playByUid(ctx context.Context, id content.Identity) error {
	log := o.logger.WithField("identity", id)
	o.stop(ctx)

	path := id.Path(o.root)
	report := container.Classify(path)
	log.WithField("health", report.Health).Info("Tag resolved")

	switch report.Health {
	case container.HealthGood:
		start := o.resumeFrame(id, report.Header)
		return o.playLocal(id, path, start, sourceLocal, true)
	case container.HealthMissing, container.HealthPartial:
		o.states.SetState(models.StateChecking)
		return nil
	default:
		o.states.SetState(models.StateFailed)
		return fmt.Errorf("asset %s unusable: %w", id, report.Err)
	}
}

// resumeFrame returns the frame after the persisted one when id was the last
// played identity, frame 1 otherwise
func (o *Orchestrator) resumeFrame(id content.Identity, h *container.Header) int64 {
	if o.store == nil {
		return 1
	}
	saved := o.store.Load()
	if saved.Identity != id {
		return 1
	}
	start := int64(saved.Frame) + 1
	if h != nil && start >= h.FrameCount() {
		return 1
	}
	return start
}

func (o *Orchestrator) playWithToken(ctx context.Context, id content.Identity, token content.Token) error {
	log := o.logger.WithField("identity", id)
	if o.current != nil {
		log.Debug("Already playing, token ignored")
		return nil
	}

	path := id.Path(o.root)
	report := container.Classify(path)
	if report.Health == container.HealthGood {
		log.Debug("Asset complete, token ignored")
		return nil
	}
	if token.IsZero() {
		o.states.SetState(models.StateFailed)
		return ErrNoToken
	}

	var resumeFrom int64
	if report.Resumable() {
		resumeFrom = report.Size
	}

	o.states.SetState(models.StateChecking)
	dl, err := o.downloader.Start(ctx, id, token, resumeFrom)
	if err != nil {
		o.states.SetState(models.StateFailed)
		return fmt.Errorf("failed to start download: %w", err)
	}

	start := o.resumeFrame(id, nil)
	need := (start + int64(o.config.MinDownloadFrames)) * container.FrameSize
	log.WithFields(logrus.Fields{
		"resume_from": resumeFrom,
		"start_frame": start,
	}).Info("Waiting for download")

	waitCtx, cancel := context.WithTimeout(ctx, o.wait)
	defer cancel()
	if err := awaitDownload(waitCtx, dl, need); err != nil {
		dl.Abort()
		<-dl.Done()
		o.states.SetState(models.StateFailed)
		return err
	}

	if dl.State() == fetcher.StateFinished {
		report = container.Classify(path)
		if report.Health != container.HealthGood {
			o.states.SetState(models.StateFailed)
			return fmt.Errorf("downloaded asset %s is %s", id, report.Health)
		}
		return o.playLocal(id, path, o.resumeFrame(id, report.Header), sourceLocal, true)
	}

	reader := newDownloadReader(dl)
	header, err := container.ReadHeader(reader)
	if err != nil {
		reader.Close()
		dl.Abort()
		<-dl.Done()
		o.states.SetState(models.StateFailed)
		return fmt.Errorf("download of %s unusable: %w", id, err)
	}
	if start >= header.FrameCount() {
		start = 1
	}

	return o.play(&session{
		id:       id,
		kind:     sourceDownload,
		source:   NewSource(reader, reader, header, start),
		download: dl,
		reader:   reader,
		persist:  true,
	}, header)
}

// awaitDownload blocks until dl finished, failed or buffered need bytes
func awaitDownload(ctx context.Context, dl Download, need int64) error {
	for {
		updated := dl.Updated()
		switch dl.State() {
		case fetcher.StateFinished:
			return nil
		case fetcher.StateError, fetcher.StateAborted:
			return fmt.Errorf("%w: %v", ErrDownloadFailed, dl.Err())
		case fetcher.StateReceiving:
			if dl.Available() >= need {
				return nil
			}
		}

		select {
		case <-updated:
		case <-dl.Done():
		case <-ctx.Done():
			return ErrTimeout
		}
	}
}

func (o *Orchestrator) playDefault(ctx context.Context, asset uint32) error {
	o.stop(ctx)

	path := content.SystemPath(o.root, asset)
	report := container.Classify(path)
	if report.Health != container.HealthGood {
		o.logger.WithField("asset", asset).WithField("health", report.Health).Warn("System sound not playable")
		return nil
	}
	return o.playLocal(0, path, 1, sourceSystem, false)
}

func (o *Orchestrator) playLocal(id content.Identity, path string, start int64, kind sourceKind, persist bool) error {
	cf, err := container.Open(path)
	if err != nil {
		o.states.SetState(models.StateFailed)
		return err
	}
	return o.play(&session{
		id:      id,
		kind:    kind,
		source:  NewSource(cf, cf, cf.Header, start),
		persist: persist,
	}, cf.Header)
}

func (o *Orchestrator) play(sess *session, header *container.Header) error {
	log := o.logger.WithFields(logrus.Fields{
		"identity": sess.id,
		"source":   sess.kind,
	})

	o.pipeline.SetSource(sess.source)
	if err := o.pipeline.Run(); err != nil {
		o.release(sess, false)
		o.states.SetState(models.StateFailed)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	o.outstanding++
	o.current = sess
	o.paused = false

	frame, _ := sess.source.Position()
	log.WithField("frame", frame).Info("Playback started")
	o.states.UpdateTrack(sess.id.String(), header.ChapterCount())
	o.states.UpdatePosition(sess.source.Position())

	if o.recorder != nil {
		play := models.Play{
			Identity:  sess.id.String(),
			Source:    string(sess.kind),
			Frame:     frame,
			StartedAt: time.Now(),
		}
		if err := o.recorder.RecordPlay(play); err != nil {
			log.WithError(err).Warn("Failed to record play")
		}
	}
	return nil
}

func (o *Orchestrator) togglePause() error {
	if o.current == nil {
		return nil
	}
	if o.paused {
		if err := o.pipeline.Resume(); err != nil {
			return err
		}
	} else if err := o.pipeline.Pause(); err != nil {
		return err
	}
	o.paused = !o.paused
	o.states.SetPaused(o.paused)
	return nil
}

// stop tears down the current run and drains any download
func (o *Orchestrator) stop(ctx context.Context) {
	if sess := o.current; sess != nil {
		o.current = nil
		// unblock a pipeline waiting on download data before stopping it
		sess.source.Close()
		if err := o.pipeline.Stop(); err != nil {
			o.logger.WithError(err).Warn("Failed to stop pipeline")
		}
		o.release(sess, false)
		o.logger.WithField("identity", sess.id).Info("Playback stopped")
	}

	if o.downloader != nil {
		if err := o.downloader.AbortActive(ctx); err != nil {
			o.logger.WithError(err).Warn("Failed to drain download")
		}
	}
	o.states.ClearTrack()
	o.states.SetState(models.StateIdle)
}

// release closes the session's handles, aborts its download and persists
// the position
func (o *Orchestrator) release(sess *session, finished bool) {
	frame := sess.source.LastFrame()
	if err := sess.source.Close(); err != nil {
		o.logger.WithError(err).Debug("Failed to close source")
	}
	if sess.download != nil {
		sess.download.Abort()
		<-sess.download.Done()
	}
	if o.muter != nil {
		o.muter.SetMute(true)
	}

	if !sess.persist || o.store == nil {
		return
	}
	if finished {
		frame = 0
	}
	if err := o.store.SaveResume(sess.id, uint32(frame)); err != nil {
		o.logger.WithError(err).Warn("Failed to persist resume position")
	}
}

func (o *Orchestrator) handleEvent(ev Event) {
	log := o.logger.WithFields(logrus.Fields{
		"stage": ev.Stage,
		"event": ev.Kind,
	})

	switch ev.Kind {
	case EventMusicInfo:
		log.Debug("Stream info")
	case EventRunning, EventPaused:
		if o.current == nil {
			return
		}
		if o.muter != nil {
			o.muter.SetMute(false)
		}
		o.states.SetState(o.current.state())
	case EventStopped, EventFinished:
		if ev.Stage != StageOutput {
			log.Debug("Intermediate stage ended")
			return
		}
		if o.outstanding > 0 {
			o.outstanding--
		}
		if o.outstanding > 0 || o.current == nil {
			log.Debug("Stale pipeline event ignored")
			return
		}

		sess := o.current
		o.current = nil
		finished := ev.Kind == EventFinished && ev.Err == nil
		if ev.Err != nil {
			log.WithError(ev.Err).Warn("Pipeline ended with error")
		}
		o.release(sess, finished)
		o.states.ClearTrack()
		if ev.Err != nil {
			o.states.SetState(models.StateFailed)
		} else {
			o.states.SetState(models.StateIdle)
		}
		log.WithField("identity", sess.id).Info("Playback ended")
	}
}
