package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"teddybox/internal/content"

	"github.com/sirupsen/logrus"
)

const (
	maxSeekFrames   = 1 << 20
	maxChapterDelta = 99
	maxVolumeDelta  = 10
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondWithValidationError sends a structured validation error response
func (s *Server) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	s.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	s.respondJSON(w, http.StatusBadRequest, ValidationResult{
		Valid:  false,
		Errors: errors,
	})
}

// respondWithError sends a structured error response
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := s.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})
	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	})
}

func (s *Server) respondAccepted(w http.ResponseWriter) {
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{"success": true})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// validateIdentity parses a 16 hex digit tag identity
func validateIdentity(raw string) (content.Identity, *ValidationError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &ValidationError{
			Field:   "uid",
			Message: "uid is required",
			Code:    "MISSING_UID",
		}
	}
	id, err := content.ParseIdentity(raw)
	if err != nil {
		return 0, &ValidationError{
			Field:   "uid",
			Message: "uid must be 16 hex digits",
			Code:    "INVALID_UID",
		}
	}
	return id, nil
}

// validateToken parses a 64 hex digit token
func validateToken(raw string) (content.Token, *ValidationError) {
	token, err := content.ParseToken(strings.TrimSpace(raw))
	if err != nil {
		return token, &ValidationError{
			Field:   "token",
			Message: fmt.Sprintf("token must be %d hex digits", 2*content.TokenSize),
			Code:    "INVALID_TOKEN",
		}
	}
	return token, nil
}

// validateDelta checks a non-zero relative movement within ±limit
func validateDelta(field string, delta, limit int64) *ValidationError {
	if delta == 0 {
		return &ValidationError{
			Field:   field,
			Message: field + " must not be zero",
			Code:    "ZERO_DELTA",
		}
	}
	if delta > limit || delta < -limit {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s must be within ±%d", field, limit),
			Code:    "DELTA_OUT_OF_RANGE",
		}
	}
	return nil
}
