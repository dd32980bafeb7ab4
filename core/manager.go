package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tunaaoguzhann/oncelink/logutil"
)

const (
	DefaultValidityWindow   = 2 * time.Hour
	DefaultPostUseRetention = 5 * time.Minute

	maxTokenLength = 512
)

// Manager runs the link lifecycle: issuance, and single-use redemption.
type Manager struct {
	store       Store
	now         func() time.Time
	validity    time.Duration
	retention   time.Duration
	rateLimiter RateLimiter
	rateLimit   int
	rateWindow  time.Duration
	logger      *slog.Logger
}

type Config struct {
	Store            Store
	Now              func() time.Time
	ValidityWindow   time.Duration
	PostUseRetention time.Duration
	RateLimiter      RateLimiter
	RateLimit        int
	RateWindow       time.Duration
	Logger           *slog.Logger
}

func newManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	validity := cfg.ValidityWindow
	if validity <= 0 {
		validity = DefaultValidityWindow
	}
	retention := cfg.PostUseRetention
	if retention <= 0 {
		retention = DefaultPostUseRetention
	}
	return &Manager{
		store:       cfg.Store,
		now:         nowFn,
		validity:    validity,
		retention:   retention,
		rateLimiter: cfg.RateLimiter,
		rateLimit:   cfg.RateLimit,
		rateWindow:  cfg.RateWindow,
		logger:      logutil.NoopIfNil(cfg.Logger),
	}, nil
}

// IssueRequest is what the upstream service registers for one link.
type IssueRequest struct {
	Token     string
	TargetURL string
	Metadata  map[string]any
}

// ValidityWindow is how long an issued link stays redeemable.
func (m *Manager) ValidityWindow() time.Duration { return m.validity }

// Issue stores a fresh, unused record for req.Token. An existing record for
// the same token is replaced and its validity window restarts.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (Record, error) {
	if err := validateIssue(req); err != nil {
		return Record{}, err
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := m.now()
	rec := Record{
		Token:     req.Token,
		TargetURL: req.TargetURL,
		CreatedAt: now,
		ExpiresAt: now.Add(m.validity),
		Used:      false,
		Metadata:  metadata,
	}

	if err := m.store.Put(ctx, rec.Token, rec, m.validity); err != nil {
		m.logger.Error("store link failed", "token", logutil.ShortToken(rec.Token), "error", err)
		return Record{}, fmt.Errorf("%w: put: %w", ErrStoreFailure, err)
	}
	m.logger.Info("link issued", "token", logutil.ShortToken(rec.Token), "expires_at", rec.ExpiresAt)
	return rec, nil
}

// Redeem claims token on behalf of the client at redeemedBy. Only the first
// successful claim returns the record; every later attempt gets ErrUsed until
// the record is purged.
func (m *Manager) Redeem(ctx context.Context, token, redeemedBy string) (*Record, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	if m.rateLimiter != nil && m.rateLimit > 0 {
		if err := m.rateLimiter.CheckAndIncrement(ctx, redeemedBy, m.rateLimit, m.rateWindow); err != nil {
			if errors.Is(err, ErrRateLimitExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: rate limit: %w", ErrStoreFailure, err)
		}
	}

	rec, err := m.store.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", ErrStoreFailure, err)
	}
	if rec.Used {
		return nil, ErrUsed
	}

	now := m.now()
	if rec.Expired(now) {
		if err := m.store.Delete(ctx, token); err != nil {
			m.logger.Warn("delete expired link failed", "token", logutil.ShortToken(token), "error", err)
		}
		return nil, ErrExpired
	}

	claim := Claim{At: now, RedeemedBy: redeemedBy, ID: uuid.New()}
	claimed, err := m.store.Claim(ctx, token, claim, m.retention)
	switch {
	case errors.Is(err, ErrUsed):
		m.logger.Info("link claim lost race", "token", logutil.ShortToken(token), "client", redeemedBy)
		return nil, ErrUsed
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		m.logger.Error("claim link failed", "token", logutil.ShortToken(token), "error", err)
		return nil, fmt.Errorf("%w: claim: %w", ErrStoreFailure, err)
	}

	m.logger.Info("link redeemed",
		"token", logutil.ShortToken(token),
		"client", redeemedBy,
		"redemption_id", claimed.RedemptionID,
	)
	return claimed, nil
}

// Ping reports whether the underlying store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	p, ok := m.store.(Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Close releases the store's connections, if it holds any.
func (m *Manager) Close() error {
	if c, ok := m.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func validateIssue(req IssueRequest) error {
	switch {
	case req.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	case len(req.Token) > maxTokenLength:
		return fmt.Errorf("%w: token longer than %d bytes", ErrInvalidRequest, maxTokenLength)
	case strings.ContainsAny(req.Token, "/?#% \t\r\n"):
		return fmt.Errorf("%w: token contains reserved characters", ErrInvalidRequest)
	case req.TargetURL == "":
		return fmt.Errorf("%w: file_url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: file_url must be an absolute http(s) URL", ErrInvalidRequest)
	}
	return nil
}
