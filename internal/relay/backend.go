// Package relay delivers debounce decisions: single messages go to the
// backend unchanged, clarification notices go back into the conversation.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/crisprelay/internal/config"
)

// ErrBackendDispatch wraps every failure to hand an event to the backend.
var ErrBackendDispatch = errors.New("backend dispatch failed")

const (
	defaultBackendTimeout = 30 * time.Second
	maxBackendBody        = 1 << 20
)

// BackendResponse is what the backend answered for one forwarded event.
type BackendResponse struct {
	Status int
	Reply  string // "response" field of a JSON body, if any
}

// BackendClient posts raw message events to the backend endpoint.
type BackendClient struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBackendClient creates a client for cfg.Endpoint().
func NewBackendClient(cfg config.BackendConfig) *BackendClient {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	c := &BackendClient{
		endpoint:   cfg.Endpoint(),
		httpClient: &http.Client{Timeout: timeout},
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	return c
}

// Endpoint returns the URL events are posted to.
func (c *BackendClient) Endpoint() string { return c.endpoint }

// Forward posts payload as the request body, byte for byte.
func (c *BackendClient) Forward(ctx context.Context, payload json.RawMessage) (BackendResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return BackendResponse{}, fmt.Errorf("%w: rate limit: %v", ErrBackendDispatch, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return BackendResponse{}, fmt.Errorf("%w: %v", ErrBackendDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BackendResponse{}, fmt.Errorf("%w: %v", ErrBackendDispatch, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBackendBody))
	out := BackendResponse{Status: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fmt.Errorf("%w: status %d: %s", ErrBackendDispatch, resp.StatusCode, truncate(strings.TrimSpace(string(body)), 200))
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		out.Reply = strings.TrimSpace(parsed.Response)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
