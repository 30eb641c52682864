package server

import (
	"encoding/json"
	"net/http"

	"teddybox/internal/content"
)

// handleGetState returns the playback snapshot
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.player.Status(r.Context())
	if err != nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Player unavailable", err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// handlePlay emulates a tag: the identity alone plays a local asset, with a
// token it also fetches
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID   string `json:"uid"`
		Token string `json:"token,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	var errs []ValidationError
	id, verr := validateIdentity(req.UID)
	if verr != nil {
		errs = append(errs, *verr)
	}
	var token content.Token
	if req.Token != "" {
		token, verr = validateToken(req.Token)
		if verr != nil {
			errs = append(errs, *verr)
		}
	}
	if len(errs) > 0 {
		s.respondWithValidationError(w, r, errs)
		return
	}

	if err := s.player.PlayByUid(r.Context(), id); err != nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Player unavailable", err)
		return
	}
	if !token.IsZero() {
		if err := s.player.PlayWithToken(r.Context(), id, token); err != nil {
			s.respondWithError(w, r, http.StatusServiceUnavailable, "Player unavailable", err)
			return
		}
	}
	s.respondAccepted(w)
}

// handleStop stops playback; it answers once teardown is complete
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.player.Stop(r.Context()); err != nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Player unavailable", err)
		return
	}
	s.handleGetState(w, r)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Frames int64 `json:"frames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if verr := validateDelta("frames", req.Frames, maxSeekFrames); verr != nil {
		s.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	if err := s.player.SeekRelative(r.Context(), req.Frames); err != nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Player unavailable", err)
		return
	}
	s.respondAccepted(w)
}

func (s *Server) handleChapter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if verr := validateDelta("delta", int64(req.Delta), maxChapterDelta); verr != nil {
		s.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	if err := s.player.SeekChapter(r.Context(), req.Delta); err != nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Player unavailable", err)
		return
	}
	s.respondAccepted(w)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.player.TogglePause(r.Context()); err != nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Player unavailable", err)
		return
	}
	s.respondAccepted(w)
}

// handleVolume moves the volume by delta steps
func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	if s.volume == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Volume control not available", nil)
		return
	}

	var req struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if verr := validateDelta("delta", int64(req.Delta), maxVolumeDelta); verr != nil {
		s.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	level := s.volume.Change(req.Delta)
	s.respondJSON(w, http.StatusOK, map[string]int{"volume": level})
}
