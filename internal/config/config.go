package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the relay.
type Config struct {
	Crisp     CrispConfig     `json:"crisp" yaml:"crisp"`
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Debounce  DebounceConfig  `json:"debounce" yaml:"debounce"`
	Dedupe    DedupeConfig    `json:"dedupe,omitempty" yaml:"dedupe,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	Host  string `json:"host" yaml:"host"`
	Port  int    `json:"port" yaml:"port"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"` // bearer token required on /api routes (empty = open)

	// Per-remote-address limit on the RTM ingest route, requests per minute (0 = default 30, -1 = off).
	IngestRateLimit int `json:"ingest_rate_limit,omitempty" yaml:"ingest_rate_limit,omitempty"`
}

// DebounceConfig configures the per-conversation pause.
type DebounceConfig struct {
	PauseMs       int    `json:"pause_ms" yaml:"pause_ms"`                               // quiet period before flush (default 3000)
	Clarification string `json:"clarification,omitempty" yaml:"clarification,omitempty"` // reply sent after a rapid burst
}

// Pause returns the pause threshold as a duration.
func (d DebounceConfig) Pause() time.Duration {
	return time.Duration(d.PauseMs) * time.Millisecond
}

// DedupeConfig configures inbound event deduplication.
type DedupeConfig struct {
	TTLSec     int    `json:"ttl_sec,omitempty" yaml:"ttl_sec,omitempty"`         // default 1200 (20 min)
	MaxEntries int    `json:"max_entries,omitempty" yaml:"max_entries,omitempty"` // in-memory cap, default 5000
	RedisURL   string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`     // shared dedupe across replicas when set
}

// TTL returns the dedupe window as a duration.
func (d DedupeConfig) TTL() time.Duration {
	return time.Duration(d.TTLSec) * time.Second
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`         // host:port of the OTLP collector
	Protocol    string `json:"protocol,omitempty" yaml:"protocol,omitempty"`         // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`         // plain-text transport
	ServiceName string `json:"service_name,omitempty" yaml:"service_name,omitempty"` // default "crisprelay"
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // "debug", "info" (default), "warn", "error"
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "text" (default) or "json"
}
