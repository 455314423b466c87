package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
)

// Monitor sweeps the registry on a fixed interval: entries past the idle
// timeout are dropped, entries approaching it get a ping frame so a slow
// but alive client has a chance to respond before the next sweep.
type Monitor struct {
	reg      *Registry
	calls    *CallTracker
	interval time.Duration
	idle     time.Duration
	ahead    time.Duration

	drop func(id string, c Conn, reason string)
	now  func() time.Time
}

func NewMonitor(reg *Registry, calls *CallTracker, interval, idleTimeout, pingAhead time.Duration, drop func(id string, c Conn, reason string)) *Monitor {
	return &Monitor{
		reg:      reg,
		calls:    calls,
		interval: interval,
		idle:     idleTimeout,
		ahead:    pingAhead,
		drop:     drop,
		now:      time.Now,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce(m.now())
		}
	}
}

// SweepOnce performs one sweep at the given instant. Exposed so tests can
// drive it with a fake clock instead of waiting on the ticker.
func (m *Monitor) SweepOnce(now time.Time) {
	evictCutoff := now.Add(-m.idle)
	for _, e := range m.reg.stale(evictCutoff) {
		log.Info().Str("module", "server.liveness").Str("id", e.id).Msg("evicting idle connection")
		m.drop(e.id, e.conn, "idle timeout")
	}

	if m.ahead > 0 {
		pingCutoff := now.Add(-(m.idle - m.ahead))
		frame := pingFrame(now)
		for _, c := range m.reg.nearing(evictCutoff, pingCutoff) {
			_ = c.TrySend(frame)
		}
	}

	if m.calls != nil {
		m.calls.PruneTerminal(now.Add(-m.idle))
	}
}

func pingFrame(now time.Time) []byte {
	env := &protocol.Envelope{Type: protocol.TypePing}
	env.Timestamp = now.UTC().Format(time.RFC3339Nano)
	frame, _ := env.Encode()
	return frame
}
