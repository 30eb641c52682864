package server

import (
	"net/http"
	"strconv"

	"teddybox/internal/fetcher"
	"teddybox/pkg/models"
)

const defaultPlaysLimit = 50

// handleGetLibrary returns the catalogued assets
func (s *Server) handleGetLibrary(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Library not available", nil)
		return
	}

	assets, err := s.library.GetAllAssets()
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving assets", err)
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	s.respondJSON(w, http.StatusOK, assets)
}

// handleGetPlays returns recent plays, ?limit=N
func (s *Server) handleGetPlays(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Library not available", nil)
		return
	}

	limit := defaultPlaysLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			s.respondWithValidationError(w, r, []ValidationError{{
				Field:   "limit",
				Message: "Limit must be between 1 and 1000",
				Code:    "INVALID_LIMIT",
			}})
			return
		}
		limit = n
	}

	plays, err := s.library.RecentPlays(limit)
	if err != nil {
		s.respondWithError(w, r, http.StatusInternalServerError, "Error retrieving plays", err)
		return
	}
	if plays == nil {
		plays = []models.Play{}
	}
	s.respondJSON(w, http.StatusOK, plays)
}

// handleGetDownloads lists fetch requests, newest first
func (s *Server) handleGetDownloads(w http.ResponseWriter, r *http.Request) {
	if s.downloads == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Downloads not available", nil)
		return
	}

	jobs := s.downloads.Jobs()
	if jobs == nil {
		jobs = []fetcher.Status{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"downloads": jobs,
		"count":     len(jobs),
	})
}
