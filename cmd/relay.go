package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/internal/channels"
	crispchan "github.com/nextlevelbuilder/crisprelay/internal/channels/crisp"
	"github.com/nextlevelbuilder/crisprelay/internal/config"
	"github.com/nextlevelbuilder/crisprelay/internal/crisp"
	"github.com/nextlevelbuilder/crisprelay/internal/debounce"
	"github.com/nextlevelbuilder/crisprelay/internal/gateway"
	httpapi "github.com/nextlevelbuilder/crisprelay/internal/http"
	"github.com/nextlevelbuilder/crisprelay/internal/relay"
	"github.com/nextlevelbuilder/crisprelay/internal/tracing"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

const banner = `
   ___ ___ ___ ___ ___   ___ ___ _      ___   __
  / __| _ \_ _/ __| _ \ | _ \ __| |    /_\ \ / /
 | (__|   /| |\__ \  _/ |   / _|| |__ / _ \ V /
  \___|_|_\___|___/_|   |_|_\___|____/_/ \_\_|

`

const shutdownDrainTimeout = 15 * time.Second

func runRelay(parent context.Context) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(setupLogger(cfg.Logging, verbose))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		return err
	}
	printBanner(cfg, cfgPath)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing unavailable", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	msgBus := bus.New()

	dedupe := newDeduper(ctx, cfg.Dedupe)
	defer dedupe.Close()

	crispClient := crisp.NewClient(cfg.Crisp.APIURL, cfg.Crisp.Identifier, cfg.Crisp.Key,
		crisp.WithRateLimit(cfg.Crisp.RatePerSec))

	crispChannel, err := crispchan.New(cfg.Crisp, crispClient, dedupe, msgBus)
	if err != nil {
		return fmt.Errorf("crisp channel: %w", err)
	}
	channelMgr := channels.NewManager(msgBus)
	channelMgr.RegisterChannel(crispChannel.Name(), crispChannel)

	backend := relay.NewBackendClient(cfg.Backend)
	engine := debounce.New(
		relay.NewSink(backend, channelMgr, msgBus),
		debounce.WithPause(cfg.Debounce.Pause()),
		debounce.WithClarification(cfg.Debounce.Clarification),
		debounce.WithEvents(msgBus),
	)

	var limiter *channels.WebhookRateLimiter
	if cfg.Gateway.IngestRateLimit >= 0 {
		limiter = channels.NewWebhookRateLimiter(cfg.Gateway.IngestRateLimit)
	}
	server := gateway.NewServer(cfg.Gateway, Version, engine,
		httpapi.NewCrispHandler(crispChannel, crispClient, cfg.Gateway.Token, limiter))
	server.SetStatusProvider(channelMgr)
	server.SetFlushStats(gateway.NewFlushStats(msgBus))

	if err := channelMgr.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	slog.Info("crisprelay starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"instance", uuid.NewString(),
		"rtm_mode", cfg.Crisp.RTMMode,
		"backend", backend.Endpoint(),
		"pause_ms", engine.Pause().Milliseconds(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		consumeInboundMessages(gctx, msgBus, engine)
		return nil
	})
	runErr := g.Wait()

	slog.Info("graceful shutdown initiated")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancelDrain()

	// Input stops first, then in-flight dispatches finish while outbound
	// routing still delivers backend replies.
	channelMgr.StopChannels(drainCtx)
	if n := msgBus.PendingInbound(); n > 0 {
		slog.Warn("inbound messages left unprocessed at shutdown", "count", n)
	}
	engine.Stop()
	channelMgr.StopDispatch(drainCtx)
	msgBus.Broadcast(bus.Event{Name: protocol.EventShutdown})
	slog.Info("crisprelay stopped")

	return runErr
}

// newDeduper prefers Redis when configured and falls back to memory when it is unreachable.
func newDeduper(ctx context.Context, cfg config.DedupeConfig) bus.Deduper {
	if cfg.RedisURL != "" {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		d, err := bus.NewRedisDedupe(pctx, cfg.RedisURL, cfg.TTL())
		if err == nil {
			slog.Info("inbound dedupe backed by redis")
			return d
		}
		slog.Warn("redis dedupe unavailable, using in-memory cache", "error", err)
	}
	return bus.NewDedupeCache(cfg.TTL(), cfg.MaxEntries)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func printBanner(cfg *config.Config, cfgPath string) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", Version)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", cfgPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	green.Print("    ▶ ")
	fmt.Printf("Crisp:    %s", cfg.Crisp.RTMMode)
	if cfg.Crisp.RTMMode == config.RTMModeWebSockets {
		gray.Printf(" (%s)", cfg.Crisp.RTMURL)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Backend:  %s\n", cfg.Backend.Endpoint())
	green.Print("    ▶ ")
	fmt.Printf("Pause:    %s\n", cfg.Debounce.Pause())
	if cfg.Dedupe.RedisURL != "" {
		green.Print("    ▶ ")
		fmt.Print("Dedupe:   ")
		yellow.Println("redis")
	}
	fmt.Println()
}
