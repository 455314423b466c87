package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pmtrec/SHAPPWHAT/internal/protocol"
)

// Presence emits online/offline deltas and full online-users snapshots to
// registry members.
type Presence struct {
	reg     *Registry
	refresh time.Duration
}

func NewPresence(reg *Registry, refresh time.Duration) *Presence {
	return &Presence{reg: reg, refresh: refresh}
}

// Online announces id to everyone else and pushes a fresh snapshot to all.
func (p *Presence) Online(id string) {
	p.delta(protocol.TypeUserOnline, id)
	p.Snapshot()
}

// Offline announces departure of id and pushes a fresh snapshot to all.
func (p *Presence) Offline(id string) {
	p.delta(protocol.TypeUserOffline, id)
	p.Snapshot()
}

func (p *Presence) delta(t protocol.MsgType, id string) {
	env, err := protocol.New(t, "", protocol.Presence{UserID: id})
	if err != nil {
		log.Error().Err(err).Str("module", "server.presence").Msg("build delta")
		return
	}
	env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "server.presence").Msg("encode delta")
		return
	}
	p.reg.fanOut(frame, id)
}

// Snapshot sends the full online-users list to every registered endpoint,
// the subject included.
func (p *Presence) Snapshot() {
	env, err := protocol.New(protocol.TypeOnlineUsers, "", protocol.OnlineUsers{Users: p.reg.SnapshotIDs()})
	if err != nil {
		log.Error().Err(err).Str("module", "server.presence").Msg("build snapshot")
		return
	}
	env.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "server.presence").Msg("encode snapshot")
		return
	}
	p.reg.fanOut(frame, "")
}

// Run refreshes the snapshot periodically while anyone is connected, the
// way the original relay re-broadcast its user list on every sweep.
func (p *Presence) Run(ctx context.Context) {
	if p.refresh <= 0 {
		return
	}
	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.reg.Count() > 0 {
				p.Snapshot()
			}
		}
	}
}
