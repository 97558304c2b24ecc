package crisp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAPIURL is the Crisp REST API base.
	DefaultAPIURL = "https://api.crisp.chat/v1"

	// Tier sent in X-Crisp-Tier for plugin tokens.
	Tier = "plugin"

	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4 << 10
)

// MessageData is the body of a conversation message sent through the REST API.
type MessageData struct {
	Type    string `json:"type"`
	From    string `json:"from"`
	Origin  string `json:"origin"`
	Content string `json:"content"`
}

// APIError is returned for non-2xx responses from the Crisp API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("crisp api: status %d", e.Status)
	}
	return fmt.Sprintf("crisp api: status %d: %s", e.Status, e.Body)
}

// Client is a lightweight Crisp REST client authenticated with a plugin token.
type Client struct {
	baseURL    string
	identifier string
	key        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit caps outgoing requests per second. Zero or negative disables the limit.
func WithRateLimit(perSec float64) ClientOption {
	return func(c *Client) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
		} else {
			c.limiter = nil
		}
	}
}

// NewClient creates a client for the given API base and plugin credentials.
func NewClient(baseURL, identifier, key string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		identifier: identifier,
		key:        key,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage posts a message into the conversation identified by websiteID and sessionID.
func (c *Client) SendMessage(ctx context.Context, websiteID, sessionID string, msg MessageData) error {
	if websiteID == "" || sessionID == "" {
		return fmt.Errorf("crisp send: website and session ids are required")
	}
	path := fmt.Sprintf("/website/%s/conversation/%s/message",
		url.PathEscape(websiteID), url.PathEscape(sessionID))
	return c.doJSON(ctx, http.MethodPost, path, msg)
}

// doJSON performs an authenticated JSON call. Non-2xx responses become *APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("crisp api rate limit: %w", err)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.identifier, c.key)
	req.Header.Set("X-Crisp-Tier", Tier)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crisp api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
