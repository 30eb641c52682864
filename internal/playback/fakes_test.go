package playback

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"teddybox/internal/container"
	"teddybox/internal/content"
	"teddybox/internal/fetcher"

	"github.com/stretchr/testify/require"
)

// fakePipeline reports one output event per call, the way a real pipeline
// reports its stage transitions
type fakePipeline struct {
	mutex  sync.Mutex
	source io.Reader
	runs   int
	stops  int
	events chan Event
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{events: make(chan Event, 64)}
}

func (p *fakePipeline) SetSource(src io.Reader) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.source = src
}

func (p *fakePipeline) Run() error {
	p.mutex.Lock()
	p.runs++
	p.mutex.Unlock()
	p.events <- Event{Stage: StageDecoder, Kind: EventMusicInfo}
	p.events <- Event{Stage: StageOutput, Kind: EventRunning}
	return nil
}

func (p *fakePipeline) Pause() error {
	p.events <- Event{Stage: StageOutput, Kind: EventPaused}
	return nil
}

func (p *fakePipeline) Resume() error {
	p.events <- Event{Stage: StageOutput, Kind: EventRunning}
	return nil
}

func (p *fakePipeline) Stop() error {
	p.mutex.Lock()
	p.stops++
	p.mutex.Unlock()
	p.events <- Event{Stage: StageReader, Kind: EventStopped}
	p.events <- Event{Stage: StageOutput, Kind: EventStopped}
	return nil
}

func (p *fakePipeline) Events() <-chan Event {
	return p.events
}

func (p *fakePipeline) finish() {
	p.events <- Event{Stage: StageReader, Kind: EventFinished}
	p.events <- Event{Stage: StageOutput, Kind: EventFinished}
}

// fail ends the run the way a pipeline does when its source errors
func (p *fakePipeline) fail(err error) {
	p.events <- Event{Stage: StageReader, Kind: EventFinished, Err: err}
	p.events <- Event{Stage: StageOutput, Kind: EventFinished, Err: err}
}

func (p *fakePipeline) counts() (runs, stops int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.runs, p.stops
}

func (p *fakePipeline) reader() io.Reader {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.source
}

// readFrame pulls one frame from the current source and returns its marker
func (p *fakePipeline) readFrame(t *testing.T) byte {
	t.Helper()
	buf := make([]byte, container.FrameSize)
	_, err := io.ReadFull(p.reader(), buf)
	require.NoError(t, err)
	return buf[0]
}

// fakeDownload serves a prepared file up to a controllable write cursor
type fakeDownload struct {
	mutex     sync.Mutex
	path      string
	state     fetcher.State
	available int64
	err       error
	notify    chan struct{}
	done      chan struct{}
	aborts    int
}

func newFakeDownload(path string, state fetcher.State, available int64) *fakeDownload {
	d := &fakeDownload{
		path:      path,
		state:     state,
		available: available,
		notify:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	if state.Terminal() {
		close(d.done)
	}
	return d
}

func (d *fakeDownload) set(state fetcher.State, available int64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.setLocked(state, available)
}

func (d *fakeDownload) setLocked(state fetcher.State, available int64) {
	wasTerminal := d.state.Terminal()
	d.state = state
	d.available = available
	close(d.notify)
	d.notify = make(chan struct{})
	if state.Terminal() && !wasTerminal {
		close(d.done)
	}
}

func (d *fakeDownload) fail(err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.err = err
	d.setLocked(fetcher.StateError, d.available)
}

func (d *fakeDownload) State() fetcher.State {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.state
}

func (d *fakeDownload) Err() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.err
}

func (d *fakeDownload) Available() int64 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.available
}

func (d *fakeDownload) Updated() <-chan struct{} {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.notify
}

func (d *fakeDownload) Done() <-chan struct{} {
	return d.done
}

func (d *fakeDownload) ReadAt(p []byte, off int64) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.state.Terminal() {
		return 0, fetcher.ErrReleased
	}
	avail := d.available - off
	if avail <= 0 {
		return 0, nil
	}
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	f, err := os.Open(d.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := f.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (d *fakeDownload) Abort() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.aborts++
	if !d.state.Terminal() {
		d.err = fetcher.ErrAborted
		d.setLocked(fetcher.StateAborted, d.available)
	}
}

func (d *fakeDownload) Path() string {
	return d.path
}

type startCall struct {
	id         content.Identity
	token      content.Token
	resumeFrom int64
}

type fakeDownloader struct {
	mutex  sync.Mutex
	next   *fakeDownload
	active *fakeDownload
	starts []startCall
	drains int
}

func (f *fakeDownloader) Start(ctx context.Context, id content.Identity, token content.Token, resumeFrom int64) (Download, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.starts = append(f.starts, startCall{id: id, token: token, resumeFrom: resumeFrom})
	f.active = f.next
	return f.next, nil
}

func (f *fakeDownloader) AbortActive(ctx context.Context) error {
	f.mutex.Lock()
	active := f.active
	f.active = nil
	f.drains++
	f.mutex.Unlock()

	if active != nil {
		active.Abort()
		<-active.Done()
	}
	return nil
}

func (f *fakeDownloader) startCalls() []startCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]startCall(nil), f.starts...)
}

type recordingMuter struct {
	mutex sync.Mutex
	muted bool
}

func (m *recordingMuter) SetMute(muted bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.muted = muted
}

func (m *recordingMuter) Muted() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.muted
}

// writeAsset writes a container whose payload frame n is filled with byte n
// (absolute frame numbering, header is frame 0)
func writeAsset(t *testing.T, path string, frames int, chapters ...uint32) *container.Header {
	t.Helper()

	payload := make([]byte, frames*container.FrameSize)
	for i := range payload {
		payload[i] = byte(i/container.FrameSize + 1)
	}
	h := &container.Header{AudioID: 0x1234, ChapterFrames: chapters}

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, container.Write(f, h, payload))
	return h
}
