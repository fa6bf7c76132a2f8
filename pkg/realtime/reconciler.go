package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tandemride/realtime/pkg/chat"
	"github.com/tandemride/realtime/pkg/store"
)

const (
	defaultConfirmTimeout = 15 * time.Second
	defaultMatchWindow    = 30 * time.Second
)

// SendExtras carries the optional parts of an outgoing message.
type SendExtras struct {
	MediaURL string
}

type roomTimeline struct {
	msgs      []chat.Message
	serverIDs map[string]struct{}
	timers    map[string]*time.Timer // clientTempID -> confirmation timeout
}

// Reconciler pairs locally-created optimistic messages with their
// authoritative counterparts so each logical message renders exactly once,
// in server-timestamp order.
//
// The primary matching rule is the client temp id, which is round-tripped
// end to end. When a backend strips it, a best-effort fallback pairs by
// sender, content, media reference and a recency window; that fallback can
// miss (duplicating a message) or over-match (swallowing a distinct but
// identical-looking one), which is why the temp id path is preferred.
type Reconciler struct {
	selfID   string
	selfName string
	st       store.MessageStore
	logger   zerolog.Logger

	confirmTimeout time.Duration
	matchWindow    time.Duration
	now            func() time.Time
	publish        func(msg chat.Message)

	mu           sync.Mutex
	rooms        map[string]*roomTimeline
	listeners    map[string]map[uint64]func()
	nextListener uint64
	closed       bool
}

type ReconcilerOption func(*Reconciler)

// WithConfirmTimeout bounds how long a pending message may wait for its
// confirmation before transitioning to failed.
func WithConfirmTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.confirmTimeout = d }
}

// WithMatchWindow sets the recency window for fallback matching.
func WithMatchWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.matchWindow = d }
}

// WithPublish installs a hook invoked with the stored message after a
// successful write, used to put the confirmed message on the room stream.
func WithPublish(fn func(msg chat.Message)) ReconcilerOption {
	return func(r *Reconciler) { r.publish = fn }
}

func NewReconciler(selfID, selfName string, st store.MessageStore, logger zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		selfID:         selfID,
		selfName:       selfName,
		st:             st,
		logger:         logger.With().Str("component", "reconciler").Logger(),
		confirmTimeout: defaultConfirmTimeout,
		matchWindow:    defaultMatchWindow,
		now:            time.Now,
		rooms:          map[string]*roomTimeline{},
		listeners:      map[string]map[uint64]func(){},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendMessage inserts a pending entry into the room timeline synchronously,
// then performs the authoritative write in the background. The returned copy
// reflects the pending state; confirmation or failure lands through timeline
// notifications. Whichever of the write response and the realtime stream
// confirms first wins; the other arrival is dropped as a duplicate.
func (r *Reconciler) SendMessage(ctx context.Context, roomID, content string, extras SendExtras) *chat.Message {
	msgType := chat.MessageText
	if extras.MediaURL != "" {
		msgType = chat.MessageMedia
	}
	pending := chat.Message{
		ClientTempID: uuid.NewString(),
		RoomID:       roomID,
		SenderID:     r.selfID,
		SenderName:   r.selfName,
		Content:      content,
		MediaURL:     extras.MediaURL,
		Type:         msgType,
		CreatedAt:    r.now(),
		Delivery:     chat.DeliveryPending,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pending.Delivery = chat.DeliveryFailed
		return &pending
	}
	rt := r.room(roomID)
	insertSorted(rt, pending)
	r.armTimeout(rt, roomID, pending.ClientTempID)
	r.mu.Unlock()
	r.notify(roomID)

	go r.write(ctx, pending)

	out := pending
	return &out
}

// Retry re-attempts the write for a failed message, flipping it back to
// pending in place.
func (r *Reconciler) Retry(ctx context.Context, roomID, clientTempID string) error {
	r.mu.Lock()
	rt := r.rooms[roomID]
	if rt == nil {
		r.mu.Unlock()
		return errors.Errorf("no timeline for room %s", roomID)
	}
	idx := indexOfTempID(rt.msgs, clientTempID)
	if idx < 0 || rt.msgs[idx].Delivery != chat.DeliveryFailed {
		r.mu.Unlock()
		return errors.Errorf("no failed message %s in room %s", clientTempID, roomID)
	}
	rt.msgs[idx].Delivery = chat.DeliveryPending
	msg := rt.msgs[idx]
	r.armTimeout(rt, roomID, clientTempID)
	r.mu.Unlock()
	r.notify(roomID)

	go r.write(ctx, msg)
	return nil
}

// Dismiss removes a failed message from the timeline. Pending and confirmed
// entries are not dismissable.
func (r *Reconciler) Dismiss(roomID, clientTempID string) {
	r.mu.Lock()
	rt := r.rooms[roomID]
	if rt == nil {
		r.mu.Unlock()
		return
	}
	idx := indexOfTempID(rt.msgs, clientTempID)
	if idx < 0 || rt.msgs[idx].Delivery != chat.DeliveryFailed {
		r.mu.Unlock()
		return
	}
	rt.msgs = append(rt.msgs[:idx], rt.msgs[idx+1:]...)
	r.mu.Unlock()
	r.notify(roomID)
}

// OnRemoteMessage applies an authoritative message from the realtime stream.
// Timelines for rooms not currently viewed update the same way; UI-facing
// side effects (sounds, badges) belong to the notification subsystem, not
// here.
func (r *Reconciler) OnRemoteMessage(msg chat.Message) {
	msg.Delivery = chat.DeliveryConfirmed
	r.applyConfirmed(msg)
}

// Hydrate seeds a room timeline from stored history. Messages already known
// by server id are skipped, so hydration and live delivery can overlap.
func (r *Reconciler) Hydrate(roomID string, msgs []chat.Message) {
	r.mu.Lock()
	rt := r.room(roomID)
	changed := false
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, ok := rt.serverIDs[m.ID]; ok {
			continue
		}
		m.Delivery = chat.DeliveryConfirmed
		insertSorted(rt, m)
		rt.serverIDs[m.ID] = struct{}{}
		changed = true
	}
	r.mu.Unlock()
	if changed {
		r.notify(roomID)
	}
}

// Timeline returns a copy of the room's rendered timeline, ordered by server
// timestamp (pending entries by their local creation time).
func (r *Reconciler) Timeline(roomID string) []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt := r.rooms[roomID]
	if rt == nil {
		return nil
	}
	out := make([]chat.Message, len(rt.msgs))
	copy(out, rt.msgs)
	return out
}

// SubscribeTimeline registers a change callback for one room and returns its
// unregister func. Unregistering twice is a no-op.
func (r *Reconciler) SubscribeTimeline(roomID string, fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextListener++
	id := r.nextListener
	if r.listeners[roomID] == nil {
		r.listeners[roomID] = map[uint64]func(){}
	}
	r.listeners[roomID][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners[roomID], id)
	}
}

// Close cancels all confirmation timers. Timelines stay readable.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, rt := range r.rooms {
		for _, timer := range rt.timers {
			timer.Stop()
		}
		rt.timers = map[string]*time.Timer{}
	}
}

func (r *Reconciler) write(ctx context.Context, msg chat.Message) {
	stored, err := r.st.Insert(ctx, &msg)
	if err != nil {
		r.logger.Warn().Err(errors.Wrapf(chat.ErrWriteFailed, "%v", err)).
			Str("room_id", msg.RoomID).Str("client_temp_id", msg.ClientTempID).
			Msg("message write rejected")
		r.markFailed(msg.RoomID, msg.ClientTempID)
		return
	}
	r.applyConfirmed(*stored)
	if r.publish != nil {
		r.publish(*stored)
	}
}

// applyConfirmed collapses a confirmed message with its pending twin, or
// appends it when it is purely remote. Duplicate server ids are dropped.
func (r *Reconciler) applyConfirmed(msg chat.Message) {
	r.mu.Lock()
	rt := r.room(msg.RoomID)
	if _, dup := rt.serverIDs[msg.ID]; dup {
		r.mu.Unlock()
		return
	}
	if msg.ClientTempID != "" {
		// First arrival wins: when the stream copy already confirmed this
		// temp id, the slower write response is a duplicate even if the two
		// disagree on the server id.
		for _, m := range rt.msgs {
			if m.Delivery == chat.DeliveryConfirmed && m.ClientTempID == msg.ClientTempID {
				r.mu.Unlock()
				return
			}
		}
	}

	matched := -1
	if msg.ClientTempID != "" {
		matched = indexOfTempID(rt.msgs, msg.ClientTempID)
	} else if msg.SenderID == r.selfID {
		matched = r.fallbackMatch(rt, msg)
	}
	if matched >= 0 {
		tempID := rt.msgs[matched].ClientTempID
		if timer, ok := rt.timers[tempID]; ok {
			timer.Stop()
			delete(rt.timers, tempID)
		}
		rt.msgs = append(rt.msgs[:matched], rt.msgs[matched+1:]...)
		msg.ClientTempID = tempID
	}
	insertSorted(rt, msg)
	rt.serverIDs[msg.ID] = struct{}{}
	r.mu.Unlock()
	r.notify(msg.RoomID)
}

// fallbackMatch finds the pending entry for a confirmed message without a
// temp id. Only an unambiguous single candidate pairs; with several
// identical-looking pendings nothing is matched, the ambiguity is logged and
// the pendings run into their timeout.
func (r *Reconciler) fallbackMatch(rt *roomTimeline, msg chat.Message) int {
	candidates := make([]int, 0, 1)
	for i, m := range rt.msgs {
		if m.Delivery != chat.DeliveryPending {
			continue
		}
		if m.Content != msg.Content || m.MediaURL != msg.MediaURL {
			continue
		}
		delta := msg.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > r.matchWindow {
			continue
		}
		candidates = append(candidates, i)
	}
	switch len(candidates) {
	case 0:
		return -1
	case 1:
		return candidates[0]
	default:
		r.logger.Warn().Err(chat.ErrReconcileAmbiguous).
			Str("room_id", msg.RoomID).Str("message_id", msg.ID).
			Int("candidates", len(candidates)).
			Msg("fallback matching found several pending twins; keeping them pending")
		return -1
	}
}

func (r *Reconciler) markFailed(roomID, clientTempID string) {
	r.mu.Lock()
	rt := r.rooms[roomID]
	if rt == nil {
		r.mu.Unlock()
		return
	}
	if timer, ok := rt.timers[clientTempID]; ok {
		timer.Stop()
		delete(rt.timers, clientTempID)
	}
	idx := indexOfTempID(rt.msgs, clientTempID)
	if idx < 0 || rt.msgs[idx].Delivery != chat.DeliveryPending {
		r.mu.Unlock()
		return
	}
	// Failed in place, never silently removed: the user sees it and retries.
	rt.msgs[idx].Delivery = chat.DeliveryFailed
	r.mu.Unlock()
	r.notify(roomID)
}

func (r *Reconciler) armTimeout(rt *roomTimeline, roomID, clientTempID string) {
	if timer, ok := rt.timers[clientTempID]; ok {
		timer.Stop()
	}
	rt.timers[clientTempID] = time.AfterFunc(r.confirmTimeout, func() {
		r.logger.Warn().Str("room_id", roomID).Str("client_temp_id", clientTempID).
			Msg("pending message never confirmed")
		r.markFailed(roomID, clientTempID)
	})
}

func (r *Reconciler) room(roomID string) *roomTimeline {
	rt := r.rooms[roomID]
	if rt == nil {
		rt = &roomTimeline{
			serverIDs: map[string]struct{}{},
			timers:    map[string]*time.Timer{},
		}
		r.rooms[roomID] = rt
	}
	return rt
}

func (r *Reconciler) notify(roomID string) {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.listeners[roomID]))
	for _, fn := range r.listeners[roomID] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// insertSorted keeps the timeline ordered by timestamp with arrival order as
// the tiebreaker, so out-of-order delivery never corrupts visual order.
func insertSorted(rt *roomTimeline, msg chat.Message) {
	i := len(rt.msgs)
	for i > 0 && rt.msgs[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	rt.msgs = append(rt.msgs, chat.Message{})
	copy(rt.msgs[i+1:], rt.msgs[i:])
	rt.msgs[i] = msg
}

func indexOfTempID(msgs []chat.Message, clientTempID string) int {
	if clientTempID == "" {
		return -1
	}
	for i, m := range msgs {
		if m.ClientTempID == clientTempID && m.Delivery != chat.DeliveryConfirmed {
			return i
		}
	}
	return -1
}
