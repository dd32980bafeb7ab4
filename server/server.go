// Package server exposes the link Manager over HTTP: the issuer API, the
// redemption route, and liveness/health endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tunaaoguzhann/oncelink/core"
	"github.com/tunaaoguzhann/oncelink/logutil"
)

const livenessMessage = "one-time download service is running"

type Options struct {
	// PublicOrigin prefixes issued download URLs. Empty derives it per request.
	PublicOrigin string
	// ClientIPHeader names a header set by a trusted edge proxy carrying the
	// client address, such as CF-Connecting-IP.
	ClientIPHeader string
	// TrustProxyHeaders lets X-Forwarded-For/X-Real-IP rewrite the remote address.
	TrustProxyHeaders bool
	HealthTimeout     time.Duration
}

type Server struct {
	manager *core.Manager
	auth    *core.Authenticator
	opts    Options
	logger  *slog.Logger
	pages   *pageRenderer
}

func New(manager *core.Manager, auth *core.Authenticator, opts Options, logger *slog.Logger) *Server {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Second
	}
	opts.PublicOrigin = strings.TrimRight(opts.PublicOrigin, "/")
	return &Server{
		manager: manager,
		auth:    auth,
		opts:    opts,
		logger:  logutil.NoopIfNil(logger),
		pages:   newPageRenderer(manager.ValidityWindow()),
	}
}

// Router wires the issuer and redemption handlers. Every unmatched path or
// method answers with the static liveness text.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(accessLog(s.logger))
	r.Use(middleware.Recoverer)

	r.Post("/_api/store", s.handleStore)
	r.Get("/d/{token}", s.handleRedeem)
	r.Get("/healthz", s.handleHealth)

	r.NotFound(handleLiveness)
	r.MethodNotAllowed(handleLiveness)
	return r
}

func handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(livenessMessage))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()
	if err := s.manager.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientAddress is recorded as redeemed_by and keys the redemption rate limit.
func (s *Server) clientAddress(r *http.Request) string {
	if s.opts.ClientIPHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(s.opts.ClientIPHeader)); v != "" {
			return v
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// origin is the scheme://host prefix for issued download URLs.
func (s *Server) origin(r *http.Request) string {
	if s.opts.PublicOrigin != "" {
		return s.opts.PublicOrigin
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if s.opts.TrustProxyHeaders {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
			scheme = proto
		}
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
