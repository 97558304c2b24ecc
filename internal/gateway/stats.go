package gateway

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/internal/debounce"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

const flushStatsSubscriber = "gateway.flush-stats"

// FlushStats counts debounce flushes broadcast on the bus and reports them on /health.
type FlushStats struct {
	passThrough atomic.Int64
	aggregate   atomic.Int64
	fragments   atomic.Int64
	lastFlush   atomic.Int64 // unix millis, 0 = never
}

// NewFlushStats subscribes a counter to pub.
func NewFlushStats(pub bus.EventPublisher) *FlushStats {
	s := &FlushStats{}
	pub.Subscribe(flushStatsSubscriber, s.handle)
	return s
}

func (s *FlushStats) handle(ev bus.Event) {
	switch ev.Name {
	case protocol.EventFlush:
		p, ok := ev.Payload.(bus.FlushPayload)
		if !ok {
			return
		}
		if p.Decision == string(debounce.DecisionAggregate) {
			s.aggregate.Add(1)
		} else {
			s.passThrough.Add(1)
		}
		s.fragments.Add(int64(p.Fragments))
		s.lastFlush.Store(time.Now().UnixMilli())
	case protocol.EventShutdown:
		slog.Info("debounce totals",
			"pass_through", s.passThrough.Load(),
			"aggregate", s.aggregate.Load(),
			"fragments", s.fragments.Load(),
		)
	}
}

// Snapshot returns the counters for the health payload.
func (s *FlushStats) Snapshot() map[string]interface{} {
	out := map[string]interface{}{
		"pass_through": s.passThrough.Load(),
		"aggregate":    s.aggregate.Load(),
		"fragments":    s.fragments.Load(),
	}
	if ms := s.lastFlush.Load(); ms > 0 {
		out["last_flush"] = time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}
	return out
}
