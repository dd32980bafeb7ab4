package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/tunaaoguzhann/oncelink/core"
)

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	// chi matches on RawPath when the request kept one, so the segment may
	// still be escaped.
	token, err := url.PathUnescape(chi.URLParam(r, "token"))
	if err != nil {
		s.pages.render(w, http.StatusGone, pageInvalid)
		return
	}

	rec, err := s.manager.Redeem(r.Context(), token, s.clientAddress(r))
	if err != nil {
		s.renderRedeemError(w, err)
		return
	}
	http.Redirect(w, r, rec.TargetURL, http.StatusFound)
}

func (s *Server) renderRedeemError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		s.pages.render(w, http.StatusGone, pageInvalid)
	case errors.Is(err, core.ErrExpired):
		s.pages.render(w, http.StatusGone, pageExpired)
	case errors.Is(err, core.ErrUsed):
		s.pages.render(w, http.StatusGone, pageUsed)
	case errors.Is(err, core.ErrRateLimitExceeded):
		w.Header().Set("Retry-After", "60")
		s.pages.render(w, http.StatusTooManyRequests, pageRateLimited)
	default:
		w.Header().Set("Retry-After", "5")
		s.pages.render(w, http.StatusServiceUnavailable, pageUnavailable)
	}
}
