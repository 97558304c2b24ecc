package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/internal/config"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (s *recordingSink) OnMessage(msg bus.InboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSink) received() []bus.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.InboundMessage(nil), s.msgs...)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("chatty"))
}

func TestSetupLogger_VerboseForcesDebug(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "error", Format: "json"}, true)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = setupLogger(config.LoggingConfig{Level: "warn"}, false)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}

func TestNewDeduper_FallsBackToMemory(t *testing.T) {
	d := newDeduper(context.Background(), config.DedupeConfig{
		TTLSec:     60,
		MaxEntries: 10,
		RedisURL:   "redis://127.0.0.1:1/0",
	})
	defer d.Close()

	_, ok := d.(*bus.DedupeCache)
	require.True(t, ok, "unreachable redis must fall back to the in-memory cache")
	assert.False(t, d.IsDuplicate(context.Background(), "k"))
	assert.True(t, d.IsDuplicate(context.Background(), "k"))
}

func TestConsumeInboundMessages_PreservesOrderAndDropsOrphans(t *testing.T) {
	msgBus := bus.New()
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		consumeInboundMessages(ctx, msgBus, sink)
		close(done)
	}()

	msgBus.PublishInbound(bus.InboundMessage{WebsiteID: "w", SessionID: "s1", Kind: protocol.KindText, Text: "a"})
	msgBus.PublishInbound(bus.InboundMessage{WebsiteID: "w", Kind: protocol.KindText, Text: "orphan"})
	msgBus.PublishInbound(bus.InboundMessage{WebsiteID: "w", SessionID: "s1", Kind: protocol.KindText, Text: "b"})

	require.Eventually(t, func() bool { return len(sink.received()) == 2 }, time.Second, 5*time.Millisecond)
	got := sink.received()
	assert.Equal(t, "a", got[0].Text)
	assert.Equal(t, "b", got[1].Text)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "crisprelay "+Version)
}

func useConfigFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })

	for _, key := range []string{"CRISP_IDENTIFIER", "CRISP_KEY", "CRISPRELAY_TOKEN", "CRISPRELAY_CONFIG"} {
		t.Setenv(key, "")
	}
}

func TestConfigCheck_MasksSecrets(t *testing.T) {
	useConfigFile(t, `{
		crisp: { identifier: "plugin-id", key: "super-secret-key" },
		gateway: { token: "gateway-token" },
	}`)

	var out bytes.Buffer
	cmd := configCmd()
	cmd.SetArgs([]string{"check"})
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "plugin-id")
	assert.Contains(t, out.String(), "***")
	assert.NotContains(t, out.String(), "super-secret-key")
	assert.NotContains(t, out.String(), "gateway-token")
	assert.Contains(t, out.String(), "Config OK")
}

func TestConfigCheck_ReportsMissingCredentials(t *testing.T) {
	useConfigFile(t, `{}`)

	var out bytes.Buffer
	cmd := configCmd()
	cmd.SetArgs([]string{"check"})
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	err := cmd.Execute()
	require.ErrorIs(t, err, config.ErrMissingCredentials)
}

func TestSendCommand_RequiresCredentials(t *testing.T) {
	useConfigFile(t, `{}`)

	cmd := sendCmd()
	cmd.SetArgs([]string{"--website", "w", "--session", "s", "--content", "hi"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(context.Background())

	require.ErrorIs(t, cmd.Execute(), config.ErrMissingCredentials)
}
