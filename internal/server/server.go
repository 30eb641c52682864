// Package server exposes the local HTTP control surface of the device
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"teddybox/internal/config"
	"teddybox/internal/content"
	"teddybox/internal/fetcher"
	"teddybox/internal/nfc"
	"teddybox/internal/playback"
	"teddybox/pkg/models"

	"github.com/sirupsen/logrus"
)

// Player is the playback surface the API drives
type Player interface {
	PlayByUid(ctx context.Context, id content.Identity) error
	PlayWithToken(ctx context.Context, id content.Identity, token content.Token) error
	Stop(ctx context.Context) error
	SeekRelative(ctx context.Context, frames int64) error
	SeekChapter(ctx context.Context, delta int) error
	TogglePause(ctx context.Context) error
	Status(ctx context.Context) (*playback.Snapshot, error)
}

// Catalogue lists known assets and play history
type Catalogue interface {
	GetAllAssets() ([]models.Asset, error)
	RecentPlays(limit int) ([]models.Play, error)
}

// Downloads lists fetch requests
type Downloads interface {
	Jobs() []fetcher.Status
}

// VolumeControl changes the output level in steps
type VolumeControl interface {
	Change(steps int) int
	Level() int
}

// TagField places and removes virtual tags in front of the reader
type TagField interface {
	Place(tag nfc.VirtualTag)
	Remove()
	Present() (content.Identity, bool)
}

// Options are the collaborators of a Server. Everything but Player is
// optional; the matching endpoints answer 503 when missing.
type Options struct {
	Player    Player
	Library   Catalogue
	Downloads Downloads
	Volume    VolumeControl
	Field     TagField
}

// Server is the control API
type Server struct {
	config    *config.Config
	player    Player
	library   Catalogue
	downloads Downloads
	volume    VolumeControl
	field     TagField
	logger    *logrus.Logger
	started   time.Time
}

// New creates a server; call Run to listen
func New(cfg *config.Config, opts Options, logger *logrus.Logger) *Server {
	return &Server{
		config:    cfg,
		player:    opts.Player,
		library:   opts.Library,
		downloads: opts.Downloads,
		volume:    opts.Volume,
		field:     opts.Field,
		logger:    logger,
		started:   time.Now(),
	}
}

// Handler returns the routed API wrapped in its middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	var h http.Handler = mux
	h = s.corsMiddleware(h)
	h = s.requestLoggingMiddleware(h)
	h = s.panicRecoveryMiddleware(h)
	return h
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealthCheck)

	mux.HandleFunc("GET /api/state", s.handleGetState)
	mux.HandleFunc("POST /api/play", s.handlePlay)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/seek", s.handleSeek)
	mux.HandleFunc("POST /api/chapter", s.handleChapter)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/volume", s.handleVolume)

	mux.HandleFunc("GET /api/tag", s.handleGetTag)
	mux.HandleFunc("PUT /api/tag", s.handlePlaceTag)
	mux.HandleFunc("DELETE /api/tag", s.handleRemoveTag)

	mux.HandleFunc("GET /api/library", s.handleGetLibrary)
	mux.HandleFunc("GET /api/plays", s.handleGetPlays)
	mux.HandleFunc("GET /api/downloads", s.handleGetDownloads)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.config.GetAddress(),
		Handler:     s.Handler(),
		ReadTimeout: time.Duration(s.config.Server.ReadTimeout) * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.WithField("address", srv.Addr).Info("Control API listening")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("Control API stopped")
	return nil
}
