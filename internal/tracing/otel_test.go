package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/crisprelay/internal/config"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_UnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "carrier-pigeon"}, "test")
	assert.ErrorContains(t, err, "unknown telemetry protocol")
}

func TestProtocolOf(t *testing.T) {
	assert.Equal(t, "grpc", protocolOf(config.TelemetryConfig{}))
	assert.Equal(t, "http", protocolOf(config.TelemetryConfig{Protocol: "HTTP"}))
}
