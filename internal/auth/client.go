// Package auth is the HTTP adapter for the credential service, which owns
// user sessions and mints Google bearer tokens. The sync engine never stores
// provider credentials; it asks this service for a short-lived token per
// operation.
//
// Two paths exist: the end-user path exchanges the caller's session JWT, and
// the privileged service-to-service path (shared secret) resolves a user id
// directly — webhooks arrive with no user session attached.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the credential service rejects the session
// or the service secret, or when the user has not connected a Google account.
var ErrUnauthorized = errors.New("credential request rejected")

// Client calls the credential service. Create one with [NewClient].
type Client struct {
	baseURL       string
	serviceSecret string
	hc            *http.Client
	logger        *slog.Logger
}

// NewClient creates a Client. serviceSecret authenticates the privileged
// service-to-service path and is never sent on end-user calls.
func NewClient(baseURL, serviceSecret string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		serviceSecret: serviceSecret,
		hc:            &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
	}
}

type tokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// GoogleToken exchanges an end-user session JWT for a Google bearer token.
func (c *Client) GoogleToken(ctx context.Context, userJWT string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/google/token", nil)
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	var tr tokenResponse
	if err := c.execute(req, &tr); err != nil {
		return "", fmt.Errorf("exchanging session for Google token: %w", err)
	}
	return tr.AccessToken, nil
}

// GoogleTokenForUser obtains a Google bearer token for userID via the
// privileged path. Used only by webhook processing, which has no session.
func (c *Client) GoogleTokenForUser(ctx context.Context, userID string) (string, error) {
	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return "", fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/google/token/service", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating service token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Secret", c.serviceSecret)

	var tr tokenResponse
	if err := c.execute(req, &tr); err != nil {
		return "", fmt.Errorf("minting Google token for user %q: %w", userID, err)
	}
	return tr.AccessToken, nil
}

// ResolveUser returns the user id behind a session JWT.
func (c *Client) ResolveUser(ctx context.Context, userJWT string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return "", fmt.Errorf("creating identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	var out struct {
		UserID string `json:"userId"`
	}
	if err := c.execute(req, &out); err != nil {
		return "", fmt.Errorf("resolving session: %w", err)
	}
	if out.UserID == "" {
		return "", fmt.Errorf("resolving session: %w", ErrUnauthorized)
	}
	return out.UserID, nil
}

// execute runs the request and decodes the JSON response into out.
func (c *Client) execute(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("credential service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
