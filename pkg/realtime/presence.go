package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandemride/realtime/pkg/chat"
)

// PresenceTracker maintains the set of currently-online users by folding
// heartbeats, joins and leaves into a local table. A full sync replaces the
// table wholesale and is the source of truth after (re)connect.
type PresenceTracker struct {
	mu        sync.RWMutex
	table     map[string]chat.PresenceEntry
	connected bool
	logger    zerolog.Logger
}

func NewPresenceTracker(logger zerolog.Logger) *PresenceTracker {
	return &PresenceTracker{
		table:  map[string]chat.PresenceEntry{},
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

// OnFullSync replaces the whole roster, resolving any drift from missed
// incremental events.
func (p *PresenceTracker) OnFullSync(entries []chat.PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table = make(map[string]chat.PresenceEntry, len(entries))
	for _, e := range entries {
		p.table[e.UserID] = e
	}
	p.logger.Debug().Int("count", len(entries)).Msg("applied presence full sync")
}

// OnJoin upserts one roster entry. Heartbeats reuse this path and refresh
// LastSeenAt.
func (p *PresenceTracker) OnJoin(entry chat.PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry.LastSeenAt.IsZero() {
		entry.LastSeenAt = time.Now()
	}
	p.table[entry.UserID] = entry
}

// OnLeave removes one entry. A leave for a user never observed is a no-op;
// the server is authoritative and may reference state this client missed.
func (p *PresenceTracker) OnLeave(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.table, userID)
}

// Snapshot returns the roster ordered by display name (user id as
// tiebreaker). The copy is safe to hand to the UI.
func (p *PresenceTracker) Snapshot() []chat.PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]chat.PresenceEntry, 0, len(p.table))
	for _, e := range p.table {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Connected reports whether the presence channel is live. When false the
// roster is stale-but-visible, never silently empty.
func (p *PresenceTracker) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *PresenceTracker) SetConnected(connected bool) {
	p.mu.Lock()
	changed := p.connected != connected
	p.connected = connected
	p.mu.Unlock()
	if changed {
		p.logger.Info().Bool("connected", connected).Msg("presence channel state changed")
	}
}
