package pipeline

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"teddybox/internal/playback"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type safeBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Len()
}

func (b *safeBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

// nextEvent waits for the next event
func nextEvent(t *testing.T, p *Pipeline) playback.Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no pipeline event")
		return playback.Event{}
	}
}

// untilOutput collects events up to the first output event of kind
func untilOutput(t *testing.T, p *Pipeline, kind playback.EventKind) []playback.Event {
	t.Helper()
	var events []playback.Event
	for {
		ev := nextEvent(t, p)
		events = append(events, ev)
		if ev.Stage == playback.StageOutput && ev.Kind == kind {
			return events
		}
	}
}

func TestRunWithoutSource(t *testing.T) {
	p := New(io.Discard, 0, quietLogger())
	assert.ErrorIs(t, p.Run(), ErrNoSource)
}

func TestRunDrainsSource(t *testing.T) {
	sink := &safeBuffer{}
	p := New(sink, 0, quietLogger())
	payload := strings.Repeat("teddy", 1000)

	p.SetSource(strings.NewReader(payload))
	require.NoError(t, p.Run())

	events := untilOutput(t, p, playback.EventFinished)
	assert.Equal(t, []playback.Event{
		{Stage: playback.StageReader, Kind: playback.EventRunning},
		{Stage: playback.StageOutput, Kind: playback.EventRunning},
		{Stage: playback.StageDecoder, Kind: playback.EventMusicInfo},
		{Stage: playback.StageReader, Kind: playback.EventFinished},
		{Stage: playback.StageDecoder, Kind: playback.EventFinished},
		{Stage: playback.StageOutput, Kind: playback.EventFinished},
	}, events)
	assert.Equal(t, payload, sink.String())

	require.NoError(t, p.Stop(), "stop after a finished run is harmless")
}

func TestRunWhileRunning(t *testing.T) {
	p := New(io.Discard, 0, quietLogger())
	pr, pw := io.Pipe()
	defer pw.Close()

	p.SetSource(pr)
	require.NoError(t, p.Run())
	assert.ErrorIs(t, p.Run(), ErrRunning)

	pr.CloseWithError(playback.ErrSourceClosed)
	require.NoError(t, p.Stop())
	events := untilOutput(t, p, playback.EventStopped)
	assert.Equal(t, playback.StageReader, events[len(events)-2].Stage)
}

func TestStopDuringThrottle(t *testing.T) {
	p := New(io.Discard, 10, quietLogger())
	p.SetSource(strings.NewReader(strings.Repeat("x", 4096)))
	require.NoError(t, p.Run())

	untilOutput(t, p, playback.EventRunning)
	assert.Equal(t, playback.EventMusicInfo, nextEvent(t, p).Kind)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the throttle")
	}
	untilOutput(t, p, playback.EventStopped)
}

func TestPauseAndResume(t *testing.T) {
	sink := &safeBuffer{}
	p := New(sink, 100*defaultChunk, quietLogger())
	p.SetSource(strings.NewReader(strings.Repeat("x", 20*defaultChunk)))
	require.NoError(t, p.Run())
	untilOutput(t, p, playback.EventRunning)

	require.NoError(t, p.Pause())
	untilOutput(t, p, playback.EventPaused)

	time.Sleep(30 * time.Millisecond)
	held := sink.Len()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, held, sink.Len(), "no output while paused")
	assert.Less(t, held, 20*defaultChunk)

	require.NoError(t, p.Pause(), "pausing twice is harmless")
	require.NoError(t, p.Resume())
	untilOutput(t, p, playback.EventRunning)
	untilOutput(t, p, playback.EventFinished)
	assert.Equal(t, 20*defaultChunk, sink.Len())
}

type failingReader struct{ err error }

func (r failingReader) Read(p []byte) (int, error) {
	return 0, r.err
}

func TestReadErrorFinishesWithError(t *testing.T) {
	boom := errors.New("card removed")
	p := New(io.Discard, 0, quietLogger())
	p.SetSource(failingReader{boom})
	require.NoError(t, p.Run())

	events := untilOutput(t, p, playback.EventFinished)
	assert.ErrorIs(t, events[len(events)-1].Err, boom)
}

func TestClosedSourceReportsStopped(t *testing.T) {
	p := New(io.Discard, 0, quietLogger())
	p.SetSource(failingReader{playback.ErrSourceClosed})
	require.NoError(t, p.Run())

	events := untilOutput(t, p, playback.EventStopped)
	assert.NoError(t, events[len(events)-1].Err)
}

func TestOutputMute(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutput(&buf, quietLogger())
	assert.True(t, out.Muted(), "outputs start muted")

	n, err := out.Write([]byte("dropped"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Zero(t, buf.Len())

	out.SetMute(false)
	_, err = out.Write([]byte("heard"))
	require.NoError(t, err)
	assert.Equal(t, "heard", buf.String())

	out.SetVolume(40)
	assert.Equal(t, 40, out.Volume())
}

func TestOpenOutputWithoutPathDiscards(t *testing.T) {
	out, err := OpenOutput("", quietLogger())
	require.NoError(t, err)
	out.SetMute(false)
	n, err := out.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, out.Close())
}
