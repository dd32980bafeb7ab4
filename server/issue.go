package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tunaaoguzhann/oncelink/core"
)

const maxIssueBody = 1 << 20

type storeRequest struct {
	Token    string          `json:"token"`
	FileURL  string          `json:"file_url"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type storeResponse struct {
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Verify(r.Header.Get("X-API-Secret"), r.Header.Get("Authorization")); err != nil {
		s.logger.Warn("issuer authentication failed", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API secret")
		return
	}

	var req storeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIssueBody))
	if err := dec.Decode(&req); err != nil {
		writeBodyError(w, err, "request body must be a JSON object")
		return
	}
	if _, err := dec.Token(); err != io.EOF {
		writeBodyError(w, err, "request body must contain a single JSON object")
		return
	}
	metadata, err := decodeMetadata(req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "metadata must be a JSON object")
		return
	}

	rec, err := s.manager.Issue(r.Context(), core.IssueRequest{
		Token:     req.Token,
		TargetURL: req.FileURL,
		Metadata:  metadata,
	})
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, core.ErrStoreFailure):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store_failure", "link could not be stored, retry later")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", "unexpected error")
		return
	}

	writeJSON(w, http.StatusOK, storeResponse{
		Success:     true,
		Message:     "protected link created",
		DownloadURL: s.origin(r) + "/d/" + url.PathEscape(rec.Token),
		ExpiresAt:   rec.ExpiresAt,
	})
}

func decodeMetadata(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func writeBodyError(w http.ResponseWriter, err error, message string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_request", message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: code, Message: message})
}
