package playback

import (
	"context"
	"io"

	"teddybox/internal/content"
	"teddybox/internal/fetcher"
	"teddybox/internal/retained"
	"teddybox/pkg/models"
)

// Stage identifies the pipeline element that raised an event
type Stage int

const (
	StageReader Stage = iota
	StageDecoder
	StageOutput
)

func (s Stage) String() string {
	switch s {
	case StageReader:
		return "reader"
	case StageDecoder:
		return "decoder"
	case StageOutput:
		return "output"
	default:
		return "unknown"
	}
}

// EventKind is the status reported by a pipeline stage
type EventKind int

const (
	EventMusicInfo EventKind = iota
	EventPaused
	EventRunning
	EventStopped
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventMusicInfo:
		return "music info"
	case EventPaused:
		return "paused"
	case EventRunning:
		return "running"
	case EventStopped:
		return "stopped"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is an asynchronous status report from the decode pipeline
type Event struct {
	Stage Stage
	Kind  EventKind
	Err   error
}

// Pipeline pulls bytes from a source, decodes and plays them. Every Run
// ends with exactly one Stopped or Finished event from the output stage.
type Pipeline interface {
	SetSource(src io.Reader)
	Run() error
	Pause() error
	Resume() error
	Stop() error
	Events() <-chan Event
}

// Muter silences the speaker amplifier
type Muter interface {
	SetMute(muted bool)
}

// ResumeStore persists the last played identity, frame and volume
type ResumeStore interface {
	Load() retained.State
	SaveResume(id content.Identity, frame uint32) error
}

// Recorder keeps the play history
type Recorder interface {
	RecordPlay(play models.Play) error
}

// Download is a running fetch the orchestrator can read through
type Download interface {
	State() fetcher.State
	Err() error
	Available() int64
	Updated() <-chan struct{}
	Done() <-chan struct{}
	ReadAt(p []byte, off int64) (int, error)
	Abort()
	Path() string
}

// Downloader starts fetches; starting one aborts and drains the previous
type Downloader interface {
	Start(ctx context.Context, id content.Identity, token content.Token, resumeFrom int64) (Download, error)
	AbortActive(ctx context.Context) error
}

// FetcherDownloader adapts a fetcher.Fetcher to Downloader
type FetcherDownloader struct {
	Fetcher *fetcher.Fetcher
}

func (d FetcherDownloader) Start(ctx context.Context, id content.Identity, token content.Token, resumeFrom int64) (Download, error) {
	req, err := d.Fetcher.Start(ctx, id, token, resumeFrom)
	if err != nil {
		return nil, err
	}
	return requestDownload{req}, nil
}

func (d FetcherDownloader) AbortActive(ctx context.Context) error {
	return d.Fetcher.AbortActive(ctx)
}

type requestDownload struct {
	*fetcher.Request
}

func (r requestDownload) Path() string {
	return r.Filename
}
