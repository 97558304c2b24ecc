package config

import (
	"fmt"
	"strings"
	"time"
)

// RTM delivery modes for Crisp events.
const (
	RTMModeWebSockets = "websockets" // relay holds a socket to the RTM endpoint
	RTMModeWebhooks   = "webhooks"   // Crisp posts events to /api/crisp/rtm
)

// CrispConfig configures the Crisp plugin credentials and RTM transport.
type CrispConfig struct {
	Identifier string              `json:"identifier" yaml:"identifier"`
	Key        string              `json:"key" yaml:"key"`
	APIURL     string              `json:"api_url,omitempty" yaml:"api_url,omitempty"`   // REST base, default https://api.crisp.chat/v1
	RTMMode    string              `json:"rtm_mode,omitempty" yaml:"rtm_mode,omitempty"` // "websockets" (default) or "webhooks"
	RTMURL     string              `json:"rtm_url,omitempty" yaml:"rtm_url,omitempty"`   // socket.io endpoint for websockets mode
	Events     FlexibleStringSlice `json:"events,omitempty" yaml:"events,omitempty"`     // RTM events to subscribe, default ["message:send"]
	Websites   FlexibleStringSlice `json:"websites,omitempty" yaml:"websites,omitempty"` // accepted website ids (empty = all)
	RatePerSec float64             `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"`
}

// BackendConfig configures where debounced messages are forwarded.
type BackendConfig struct {
	URL        string  `json:"url" yaml:"url"`                                       // e.g. http://localhost:3001
	Path       string  `json:"path,omitempty" yaml:"path,omitempty"`                 // default /api/crisp/rtm
	TimeoutSec int     `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`   // default 30
	RatePerSec float64 `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"` // 0 = unlimited
}

// Timeout returns the request timeout as a duration.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSec) * time.Second
}

// Endpoint returns the full URL events are posted to.
func (b BackendConfig) Endpoint() string {
	path := b.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(b.URL, "/") + path
}

// HasCredentials reports whether both plugin identifier and key are set.
func (c CrispConfig) HasCredentials() bool {
	return c.Identifier != "" && c.Key != ""
}

// Validate checks the settings the relay cannot start without.
func (c *Config) Validate() error {
	if !c.Crisp.HasCredentials() {
		return ErrMissingCredentials
	}
	switch c.Crisp.RTMMode {
	case RTMModeWebSockets:
		if c.Crisp.RTMURL == "" {
			return fmt.Errorf("crisp.rtm_url is required in %s mode", RTMModeWebSockets)
		}
	case RTMModeWebhooks:
	default:
		return fmt.Errorf("unknown crisp.rtm_mode %q", c.Crisp.RTMMode)
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Debounce.PauseMs <= 0 {
		return fmt.Errorf("debounce.pause_ms must be positive, got %d", c.Debounce.PauseMs)
	}
	return nil
}
