package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandemride/realtime/pkg/chat"
)

const (
	defaultTypingTTL      = 3 * time.Second
	defaultTypingSuppress = 1 * time.Second
	defaultTypingStop     = 2 * time.Second
)

// TypingPublisher emits a local typing signal for a room. The session wires
// this to the multiplexer's typing channel.
type TypingPublisher func(roomID string, isTyping bool)

type remoteTyping struct {
	entry chat.TypingEntry
	timer *time.Timer
	gen   uint64
}

type localTyping struct {
	suppressUntil time.Time
	stopTimer     *time.Timer
}

// TypingManager tracks who is typing per room. Remote entries are soft
// state: installed only on positive evidence, refreshed by repeats, and
// expired by TTL so a lost stop event self-heals within one interval.
type TypingManager struct {
	selfID  string
	publish TypingPublisher
	logger  zerolog.Logger

	ttl      time.Duration
	suppress time.Duration
	stop     time.Duration
	now      func() time.Time

	mu      sync.Mutex
	rooms   map[string]map[string]*remoteTyping
	local   map[string]*localTyping
	nextGen uint64
	closed  bool
}

type TypingOption func(*TypingManager)

// WithTypingTimings overrides the TTL, local suppression window and stop
// delay. Mostly for tests.
func WithTypingTimings(ttl, suppress, stop time.Duration) TypingOption {
	return func(t *TypingManager) {
		t.ttl = ttl
		t.suppress = suppress
		t.stop = stop
	}
}

func NewTypingManager(selfID string, publish TypingPublisher, logger zerolog.Logger, opts ...TypingOption) *TypingManager {
	t := &TypingManager{
		selfID:   selfID,
		publish:  publish,
		logger:   logger.With().Str("component", "typing").Logger(),
		ttl:      defaultTypingTTL,
		suppress: defaultTypingSuppress,
		stop:     defaultTypingStop,
		now:      time.Now,
		rooms:    map[string]map[string]*remoteTyping{},
		local:    map[string]*localTyping{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NotifyLocalTyping records local keyboard activity for a room. The first
// call inside a suppression window emits isTyping=true; repeats only push
// back the stop timer. After the stop delay with no further calls, a single
// synthetic isTyping=false goes out.
func (t *TypingManager) NotifyLocalTyping(roomID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := t.now()
	l, ok := t.local[roomID]
	emit := false
	if !ok {
		l = &localTyping{}
		t.local[roomID] = l
	}
	if now.After(l.suppressUntil) {
		emit = true
		l.suppressUntil = now.Add(t.suppress)
	}
	if l.stopTimer != nil {
		l.stopTimer.Stop()
	}
	l.stopTimer = time.AfterFunc(t.stop, func() { t.stopLocal(roomID, true) })
	t.mu.Unlock()

	if emit && t.publish != nil {
		t.publish(roomID, true)
	}
}

// StopLocalTyping emits an immediate isTyping=false (message sent, input
// cleared) and cancels the pending stop timer.
func (t *TypingManager) StopLocalTyping(roomID string) {
	t.stopLocal(roomID, true)
}

func (t *TypingManager) stopLocal(roomID string, emit bool) {
	t.mu.Lock()
	l, ok := t.local[roomID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if l.stopTimer != nil {
		l.stopTimer.Stop()
	}
	delete(t.local, roomID)
	closed := t.closed
	t.mu.Unlock()

	if emit && !closed && t.publish != nil {
		t.publish(roomID, false)
	}
}

// OnRemoteTyping applies an inbound typing event. A repeat while an entry is
// live extends its expiry instead of duplicating it; an explicit false
// removes the entry and cancels its timer at once. The local user's own
// events are suppressed here, not trusted to be filtered by the server.
func (t *TypingManager) OnRemoteTyping(roomID, userID, displayName string, isTyping bool) {
	if userID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	room := t.rooms[roomID]
	if !isTyping {
		if room != nil {
			if r, ok := room[userID]; ok {
				r.timer.Stop()
				delete(room, userID)
			}
		}
		return
	}

	if room == nil {
		room = map[string]*remoteTyping{}
		t.rooms[roomID] = room
	}
	t.nextGen++
	gen := t.nextGen
	if r, ok := room[userID]; ok {
		r.timer.Stop()
		r.gen = gen
		r.entry.ExpiresAt = t.now().Add(t.ttl)
		if displayName != "" {
			r.entry.DisplayName = displayName
		}
		r.timer = time.AfterFunc(t.ttl, func() { t.expire(roomID, userID, gen) })
		return
	}
	room[userID] = &remoteTyping{
		entry: chat.TypingEntry{UserID: userID, DisplayName: displayName, ExpiresAt: t.now().Add(t.ttl)},
		timer: time.AfterFunc(t.ttl, func() { t.expire(roomID, userID, gen) }),
		gen:   gen,
	}
}

func (t *TypingManager) expire(roomID, userID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		return
	}
	if r, ok := room[userID]; ok && r.gen == gen {
		delete(room, userID)
		t.logger.Debug().Str("room_id", roomID).Str("user_id", userID).Msg("typing entry expired")
	}
}

// Snapshot returns who is typing in a room, ordered by display name.
func (t *TypingManager) Snapshot(roomID string) []chat.TypingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	out := make([]chat.TypingEntry, 0, len(room))
	for _, r := range room {
		out = append(out, r.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// CloseRoom drops a room's typing state and cancels its timers. Called on
// room switch so timers don't leak across views.
func (t *TypingManager) CloseRoom(roomID string) {
	t.stopLocal(roomID, false)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.rooms[roomID] {
		r.timer.Stop()
	}
	delete(t.rooms, roomID)
}

// Close cancels every timer. The manager refuses further work afterwards.
func (t *TypingManager) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, room := range t.rooms {
		for _, r := range room {
			r.timer.Stop()
		}
	}
	t.rooms = map[string]map[string]*remoteTyping{}
	for _, l := range t.local {
		if l.stopTimer != nil {
			l.stopTimer.Stop()
		}
	}
	t.local = map[string]*localTyping{}
}
