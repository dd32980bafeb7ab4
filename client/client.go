// Package client is used by the upstream service to register one-time
// download links.
package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	tokenBytes     = 32
	defaultTimeout = 5 * time.Second
)

var ErrUnauthorized = errors.New("issuer secret rejected")

// APIError is returned for any non-200 answer from the link service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("link service returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("link service returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Link is a registered download link.
type Link struct {
	Token       string
	DownloadURL string
	ExpiresAt   time.Time
}

type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL, secret string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewToken returns 32 random bytes encoded as unpadded base64url.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateLink registers fileURL under a freshly generated token.
func (c *Client) CreateLink(ctx context.Context, fileURL string, metadata map[string]any) (*Link, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	return c.Store(ctx, token, fileURL, metadata)
}

type storeRequest struct {
	Token    string         `json:"token"`
	FileURL  string         `json:"file_url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type storeResponse struct {
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	Error       string    `json:"error"`
}

// Store registers fileURL under token, replacing any existing link for it.
func (c *Client) Store(ctx context.Context, token, fileURL string, metadata map[string]any) (*Link, error) {
	body, err := json.Marshal(storeRequest{Token: token, FileURL: fileURL, Metadata: metadata})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/_api/store", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Secret", c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store link: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out storeResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if decodeErr == nil {
			apiErr.Code = out.Error
			apiErr.Message = out.Message
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	if !out.Success || out.DownloadURL == "" {
		return nil, fmt.Errorf("link service did not confirm the link")
	}
	return &Link{Token: token, DownloadURL: out.DownloadURL, ExpiresAt: out.ExpiresAt}, nil
}
