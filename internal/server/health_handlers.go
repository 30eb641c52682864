package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"teddybox/internal/content"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Database  string                 `json:"database"`
	Storage   string                 `json:"storage"`
	Assets    int                    `json:"assetCount"`
	State     string                 `json:"state,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns liveness plus database and storage checks
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "ok",
		Storage:   "ok",
		Details:   make(map[string]interface{}),
	}

	if s.library == nil {
		health.Database = "disabled"
	} else if assets, err := s.library.GetAllAssets(); err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	} else {
		health.Assets = len(assets)
	}

	if err := s.checkStorageHealth(); err != nil {
		health.Status = "unhealthy"
		health.Storage = "error"
		health.Details["storage_error"] = err.Error()
	}

	if s.player != nil {
		if snap, err := s.player.Status(r.Context()); err == nil {
			health.State = string(snap.State)
		}
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, health)
}

// checkStorageHealth verifies the content directory is reachable
func (s *Server) checkStorageHealth() error {
	_, err := os.Stat(filepath.Join(s.config.Content.Root, content.ContentDir))
	return err
}
