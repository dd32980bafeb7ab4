package core

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Record is the stored state of one download link.
type Record struct {
	Token        string         `json:"token"`
	TargetURL    string         `json:"file_url"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Used         bool           `json:"used"`
	UsedAt       *time.Time     `json:"used_at,omitempty"`
	RedeemedBy   string         `json:"redeemed_by,omitempty"`
	RedemptionID string         `json:"redemption_id,omitempty"`
	Metadata     map[string]any `json:"metadata"`
}

// Claim describes a successful redemption attempt.
type Claim struct {
	At         time.Time
	RedeemedBy string
	ID         uuid.UUID
}

// claimed returns a copy of r marked as used by c.
func (r Record) claimed(c Claim) Record {
	at := c.At
	r.Used = true
	r.UsedAt = &at
	r.RedeemedBy = c.RedeemedBy
	r.RedemptionID = c.ID.String()
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// Expired reports whether the record can no longer be redeemed at now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotFound          = errors.New("token not found")
	ErrExpired           = errors.New("token expired")
	ErrUsed              = errors.New("token already used")
	ErrStoreFailure      = errors.New("token store unavailable")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
