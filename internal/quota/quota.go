// Package quota checks the caller's plan allowance before intake accepts a
// job. The check is advisory: an accepted job always runs to completion.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Static errors for quota operations.
var (
	// ErrUserIDRequired is returned when no user ID is provided.
	ErrUserIDRequired = errors.New("quota: user ID is required")
	// ErrRequestFailed is returned when the quota service request fails.
	ErrRequestFailed = errors.New("quota: request failed")
	// ErrExceeded is returned when the user has no remaining quota.
	ErrExceeded = errors.New("quota: exceeded")
)

// Quota is the allowance reported by the quota service.
type Quota struct {
	PlanType  string `json:"plan_type"`
	Quota     int    `json:"quota"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
}

// Client calls the quota service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(qc *Client) {
		qc.httpClient = c
	}
}

// NewClient creates a quota client. An empty baseURL disables checking:
// Check returns unlimited quota, which is the development default.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check fetches the user's quota. Returns ErrExceeded (wrapped with the
// reported quota) when remaining is zero or less.
func (c *Client) Check(ctx context.Context, userID string) (Quota, error) {
	if userID == "" {
		return Quota{}, ErrUserIDRequired
	}
	if c.baseURL == "" {
		return Quota{PlanType: "unlimited", Quota: -1, Remaining: 1}, nil
	}

	url := fmt.Sprintf("%s/quota/%s", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quota{}, fmt.Errorf("quota: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Quota{}, fmt.Errorf("quota: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Quota{}, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(body))
	}

	var q Quota
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return Quota{}, fmt.Errorf("quota: decode response: %w", err)
	}

	if q.Remaining <= 0 {
		return q, fmt.Errorf("%w: plan %s, used %d of %d", ErrExceeded, q.PlanType, q.Used, q.Quota)
	}
	return q, nil
}
