package server

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type regEntry struct {
	conn     Conn
	lastSeen time.Time
}

// Registry maps an endpoint id to its live transport handle. All mutation
// is serialized behind one mutex because register/unregister race with the
// liveness sweep.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*regEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*regEntry)}
}

// Register binds id to conn. A second registration for the same id
// atomically closes and replaces the old handle so a reconnecting client
// never leaks its superseded session. Reports whether an old handle was
// evicted.
func (r *Registry) Register(id string, c Conn, now time.Time) bool {
	r.mu.Lock()
	old, had := r.entries[id]
	r.entries[id] = &regEntry{conn: c, lastSeen: now}
	r.mu.Unlock()

	if had {
		old.conn.Close()
		log.Info().Str("module", "server.registry").Str("id", id).Msg("superseded old connection")
	}
	return had
}

// Lookup returns the current handle for id. An absent id is the normal
// "recipient offline" outcome, not an error.
func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Unregister removes id only while c is still its current handle. A
// superseded socket's read-loop exit therefore cannot evict the
// replacement that took its place.
func (r *Registry) Unregister(id string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || (c != nil && e.conn != c) {
		return false
	}
	delete(r.entries, id)
	return true
}

// Touch records inbound activity for id. Every frame counts, heartbeats
// included.
func (r *Registry) Touch(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.lastSeen = now
	}
}

func (r *Registry) SnapshotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

type staleEntry struct {
	id   string
	conn Conn
}

// stale returns entries whose last activity predates cutoff.
func (r *Registry) stale(cutoff time.Time) []staleEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []staleEntry
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			out = append(out, staleEntry{id: id, conn: e.conn})
		}
	}
	return out
}

// nearing returns handles idle long enough to be pinged but not yet
// evictable: lastSeen in [evictCutoff, pingCutoff).
func (r *Registry) nearing(evictCutoff, pingCutoff time.Time) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Conn
	for _, e := range r.entries {
		if e.lastSeen.Before(pingCutoff) && !e.lastSeen.Before(evictCutoff) {
			out = append(out, e.conn)
		}
	}
	return out
}

// fanOut delivers frame to every registered connection except exclude.
// Delivery is not atomic across connections; a blocked connection only
// loses its own copy.
func (r *Registry) fanOut(frame []byte, exclude string) {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.entries))
	for id, e := range r.entries {
		if id == exclude {
			continue
		}
		targets[id] = e.conn
	}
	r.mu.RUnlock()

	for id, c := range targets {
		if err := c.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "server.registry").Str("id", id).Msg("fan-out drop")
		}
	}
}
