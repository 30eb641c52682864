package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"teddybox/internal/nfc"
)

// handleGetTag reports the tag in the virtual field
func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	if s.field == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Tag field not available", nil)
		return
	}

	id, ok := s.field.Present()
	resp := map[string]interface{}{"present": ok}
	if ok {
		resp["uid"] = id.String()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handlePlaceTag puts a virtual tag in front of the reader. The resolver
// picks it up like a physical one.
func (s *Server) handlePlaceTag(w http.ResponseWriter, r *http.Request) {
	if s.field == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Tag field not available", nil)
		return
	}

	var req struct {
		UID      string `json:"uid"`
		Token    string `json:"token"`
		Password string `json:"password,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, r, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	var errs []ValidationError
	tag := nfc.VirtualTag{}
	id, verr := validateIdentity(req.UID)
	if verr != nil {
		errs = append(errs, *verr)
	}
	tag.UID = id
	if req.Token != "" {
		if tag.Token, verr = validateToken(req.Token); verr != nil {
			errs = append(errs, *verr)
		}
	}
	if req.Password != "" {
		password, err := strconv.ParseUint(strings.TrimPrefix(req.Password, "0x"), 16, 32)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "password",
				Message: "password must be up to 8 hex digits",
				Code:    "INVALID_PASSWORD",
			})
		}
		tag.Privacy = true
		tag.Password = uint32(password)
	}
	if len(errs) > 0 {
		s.respondWithValidationError(w, r, errs)
		return
	}

	s.field.Place(tag)
	s.logger.WithField("uid", tag.UID.String()).Info("Virtual tag placed")
	s.respondAccepted(w)
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	if s.field == nil {
		s.respondWithError(w, r, http.StatusServiceUnavailable, "Tag field not available", nil)
		return
	}
	s.field.Remove()
	s.respondAccepted(w)
}

var _ TagField = (*nfc.Emulator)(nil)
