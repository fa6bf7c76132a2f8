package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandemride/realtime/pkg/chat"
	"github.com/tandemride/realtime/pkg/store"
	"github.com/tandemride/realtime/pkg/transport"
)

const defaultPresenceTimeout = 10 * time.Second

// Config identifies the local user and tunes session behavior.
type Config struct {
	UserID      string
	DisplayName string

	// HistoryPageSize bounds the hydration query on room join.
	HistoryPageSize int
	// PresenceTimeout bounds how long the presence channel may stay in
	// Connecting before the roster is reported as disconnected.
	PresenceTimeout time.Duration
}

type roomHandles struct {
	messages Handle
	typing   Handle
}

// Session is the single session-scoped owner of the realtime layer:
// constructed at login, torn down at logout, no ambient global state. All
// UI-facing reads go through the snapshot methods; all writes go through
// SendMessage/SetTyping/JoinRoom/LeaveRoom.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	tr       transport.Transport
	mux      *Mux
	presence *PresenceTracker
	typing   *TypingManager
	rec      *Reconciler
	sup      *Supervisor
	msgs     store.MessageStore
	profiles store.ProfileLookup

	mu            sync.Mutex
	rooms         map[string]roomHandles
	roomOrder     []string
	presenceTimer *time.Timer
	baseCtx       context.Context
	cancel        context.CancelFunc
	closed        bool
}

// SessionOption forwards tuning options to the owned components.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	typing     []TypingOption
	reconciler []ReconcilerOption
	supervisor []SupervisorOption
}

func WithTypingOptions(opts ...TypingOption) SessionOption {
	return func(o *sessionOptions) { o.typing = append(o.typing, opts...) }
}

func WithReconcilerOptions(opts ...ReconcilerOption) SessionOption {
	return func(o *sessionOptions) { o.reconciler = append(o.reconciler, opts...) }
}

func WithSupervisorOptions(opts ...SupervisorOption) SessionOption {
	return func(o *sessionOptions) { o.supervisor = append(o.supervisor, opts...) }
}

// NewSession wires the multiplexer, presence tracker, typing manager,
// reconciler and supervisor over the given transport and stores. profiles
// may be nil; events then render with the names they carry.
func NewSession(cfg Config, tr transport.Transport, msgs store.MessageStore, profiles store.ProfileLookup, logger zerolog.Logger, opts ...SessionOption) *Session {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 100
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = defaultPresenceTimeout
	}
	options := &sessionOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger = logger.With().Str("session_user", cfg.UserID).Logger()
	s := &Session{
		cfg:      cfg,
		logger:   logger,
		tr:       tr,
		msgs:     msgs,
		profiles: profiles,
		rooms:    map[string]roomHandles{},
	}

	s.mux = NewMux(tr, logger)
	s.presence = NewPresenceTracker(logger)
	s.typing = NewTypingManager(cfg.UserID, s.publishTyping, logger, options.typing...)

	recOpts := append([]ReconcilerOption{WithPublish(s.publishMessage)}, options.reconciler...)
	s.rec = NewReconciler(cfg.UserID, cfg.DisplayName, msgs, logger, recOpts...)

	rc, _ := tr.(transport.Reconnectable)
	supOpts := append([]SupervisorOption{
		WithOnDown(func() { s.presence.SetConnected(false) }),
		WithOnResync(s.announceSelf),
	}, options.supervisor...)
	s.sup = NewSupervisor(s.mux, rc, logger, supOpts...)

	return s
}

// Start opens the presence subscription, announces the local user and hands
// the link to the supervisor. The local user shows up in the roster
// immediately, before any remote event arrives.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrStaleSubscription
	}
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	baseCtx := s.baseCtx
	s.mu.Unlock()

	s.presence.OnJoin(chat.PresenceEntry{
		UserID:      s.cfg.UserID,
		DisplayName: s.cfg.DisplayName,
		LastSeenAt:  time.Now(),
	})

	s.mux.Subscribe(baseCtx, PresenceKey, Handlers{
		OnEvent: s.handlePresence,
		OnActive: func() {
			s.stopPresenceTimer()
			s.presence.SetConnected(true)
			s.announceSelf()
		},
	})

	// If the presence channel never activates, report a disconnected roster
	// instead of a silently stale one.
	s.mu.Lock()
	s.presenceTimer = time.AfterFunc(s.cfg.PresenceTimeout, func() {
		if s.mux.Status(PresenceKey) != StatusActive {
			s.logger.Warn().Msg("presence channel did not activate in time")
			s.presence.SetConnected(false)
		}
	})
	s.mu.Unlock()

	return s.sup.Start(baseCtx)
}

// JoinRoom opens the room's message and typing subscriptions and hydrates
// the timeline from stored history in the background. Joining an already
// joined room is a no-op.
func (s *Session) JoinRoom(roomID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.ErrStaleSubscription
	}
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return nil
	}
	baseCtx := s.baseCtx
	if baseCtx == nil {
		s.mu.Unlock()
		return chat.ErrStaleSubscription
	}
	handles := roomHandles{
		messages: s.mux.Subscribe(baseCtx, RoomKey(roomID), Handlers{OnEvent: s.handleMessage}),
		typing: s.mux.Subscribe(baseCtx, TypingKey(roomID), Handlers{
			OnEvent: func(env *chat.Envelope) { s.handleTyping(roomID, env) },
		}),
	}
	s.rooms[roomID] = handles
	s.roomOrder = append(s.roomOrder, roomID)
	s.mu.Unlock()

	go s.hydrate(baseCtx, roomID)
	s.logger.Info().Str("room_id", roomID).Msg("joined room")
	return nil
}

// LeaveRoom drops the room's subscriptions and typing state. Leaving twice,
// or leaving a room never joined, is a no-op.
func (s *Session) LeaveRoom(roomID string) {
	s.mu.Lock()
	handles, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, roomID)
	for i, id := range s.roomOrder {
		if id == roomID {
			s.roomOrder = append(s.roomOrder[:i], s.roomOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.mux.Unsubscribe(handles.messages)
	s.mux.Unsubscribe(handles.typing)
	s.typing.CloseRoom(roomID)
	s.logger.Info().Str("room_id", roomID).Msg("left room")
}

// SendMessage inserts an optimistic entry and kicks off the authoritative
// write; it never blocks on the network. Sending also stops the local
// typing indicator.
func (s *Session) SendMessage(roomID, content string, extras SendExtras) *chat.Message {
	s.mu.Lock()
	baseCtx := s.baseCtx
	s.mu.Unlock()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s.typing.StopLocalTyping(roomID)
	return s.rec.SendMessage(baseCtx, roomID, content, extras)
}

// RetryMessage re-attempts a failed send.
func (s *Session) RetryMessage(roomID, clientTempID string) error {
	s.mu.Lock()
	baseCtx := s.baseCtx
	s.mu.Unlock()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return s.rec.Retry(baseCtx, roomID, clientTempID)
}

// DismissMessage removes a failed send from the timeline.
func (s *Session) DismissMessage(roomID, clientTempID string) {
	s.rec.Dismiss(roomID, clientTempID)
}

// SetTyping reports local composing state for a room.
func (s *Session) SetTyping(roomID string, isTyping bool) {
	if isTyping {
		s.typing.NotifyLocalTyping(roomID)
		return
	}
	s.typing.StopLocalTyping(roomID)
}

// Presence returns the ordered online roster.
func (s *Session) Presence() []chat.PresenceEntry {
	return s.presence.Snapshot()
}

// PresenceConnected reports whether the roster is live or stale.
func (s *Session) PresenceConnected() bool {
	return s.presence.Connected()
}

// Typing returns who is typing in a room.
func (s *Session) Typing(roomID string) []chat.TypingEntry {
	return s.typing.Snapshot(roomID)
}

// Timeline returns the room's rendered timeline.
func (s *Session) Timeline(roomID string) []chat.Message {
	return s.rec.Timeline(roomID)
}

// SubscribeTimeline registers a room change callback; the returned func
// unregisters it.
func (s *Session) SubscribeTimeline(roomID string, fn func()) func() {
	return s.rec.SubscribeTimeline(roomID, fn)
}

// ConnectionState returns the current link state.
func (s *Session) ConnectionState() chat.ConnectionState {
	return s.sup.State()
}

// OnConnectionState registers a link state listener; the returned func
// unregisters it.
func (s *Session) OnConnectionState(fn func(chat.ConnectionState)) func() {
	return s.sup.OnStateChange(fn)
}

// Close tears the session down: all subscriptions, timers and the
// supervisor. The transport and stores belong to the caller.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.stopPresenceTimer()
	s.sup.Stop()
	s.mux.Close()
	s.typing.Close()
	s.rec.Close()
	if cancel != nil {
		cancel()
	}
	s.logger.Info().Msg("session closed")
}

// announceSelf publishes the local heartbeat. The backend answers a
// heartbeat with a presence full sync, which resolves any drift.
func (s *Session) announceSelf() {
	env, err := chat.NewEnvelope(chat.EventPresenceHeartbeat, chat.PresenceJoinEvent{
		UserID:      s.cfg.UserID,
		DisplayName: s.cfg.DisplayName,
		At:          time.Now(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode heartbeat")
		return
	}
	if err := s.mux.Publish(PresenceKey, env); err != nil {
		s.logger.Warn().Err(err).Msg("heartbeat publish failed")
	}
}

func (s *Session) publishTyping(roomID string, isTyping bool) {
	env, err := chat.NewEnvelope(chat.EventTyping, chat.TypingEvent{
		RoomID:      roomID,
		UserID:      s.cfg.UserID,
		DisplayName: s.cfg.DisplayName,
		IsTyping:    isTyping,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode typing event")
		return
	}
	if err := s.mux.Publish(TypingKey(roomID), env); err != nil {
		s.logger.Debug().Err(err).Str("room_id", roomID).Msg("typing publish dropped")
	}
}

func (s *Session) publishMessage(msg chat.Message) {
	env, err := chat.NewEnvelope(chat.EventMessage, chat.MessageEvent{Message: msg})
	if err != nil {
		s.logger.Error().Err(err).Msg("encode message event")
		return
	}
	if err := s.mux.Publish(RoomKey(msg.RoomID), env); err != nil {
		s.logger.Warn().Err(err).Str("room_id", msg.RoomID).Msg("message publish failed")
	}
}

func (s *Session) handlePresence(env *chat.Envelope) {
	switch env.Type {
	case chat.EventPresenceSync:
		var ev chat.PresenceSyncEvent
		if err := env.DecodePayload(&ev); err != nil {
			s.logger.Warn().Err(err).Msg("bad presence sync")
			return
		}
		s.presence.OnFullSync(ev.Entries)
	case chat.EventPresenceJoin, chat.EventPresenceHeartbeat:
		var ev chat.PresenceJoinEvent
		if err := env.DecodePayload(&ev); err != nil {
			s.logger.Warn().Err(err).Msg("bad presence join")
			return
		}
		entry := chat.PresenceEntry{UserID: ev.UserID, DisplayName: ev.DisplayName, LastSeenAt: ev.At}
		if entry.DisplayName == "" {
			entry.DisplayName = s.displayName(ev.UserID)
		}
		s.presence.OnJoin(entry)
	case chat.EventPresenceLeave:
		var ev chat.PresenceLeaveEvent
		if err := env.DecodePayload(&ev); err != nil {
			s.logger.Warn().Err(err).Msg("bad presence leave")
			return
		}
		s.presence.OnLeave(ev.UserID)
	default:
		s.logger.Debug().Str("type", string(env.Type)).Msg("ignoring event on presence channel")
	}
}

func (s *Session) handleMessage(env *chat.Envelope) {
	if env.Type != chat.EventMessage {
		s.logger.Debug().Str("type", string(env.Type)).Msg("ignoring event on room channel")
		return
	}
	var ev chat.MessageEvent
	if err := env.DecodePayload(&ev); err != nil {
		s.logger.Warn().Err(err).Msg("bad message event")
		return
	}
	s.rec.OnRemoteMessage(ev.Message)
}

func (s *Session) handleTyping(roomID string, env *chat.Envelope) {
	if env.Type != chat.EventTyping {
		return
	}
	var ev chat.TypingEvent
	if err := env.DecodePayload(&ev); err != nil {
		s.logger.Warn().Err(err).Msg("bad typing event")
		return
	}
	name := ev.DisplayName
	if name == "" {
		name = s.displayName(ev.UserID)
	}
	s.typing.OnRemoteTyping(roomID, ev.UserID, name, ev.IsTyping)
}

// hydrate seeds a room timeline from stored history. Failure degrades to a
// live-events-only timeline rather than blocking the join.
func (s *Session) hydrate(ctx context.Context, roomID string) {
	history, err := s.msgs.Query(ctx, roomID, store.Page{Limit: s.cfg.HistoryPageSize})
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Msg("history hydration failed")
		return
	}
	s.rec.Hydrate(roomID, history)
}

func (s *Session) displayName(userID string) string {
	if s.profiles == nil {
		return userID
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	p, err := s.profiles.Lookup(ctx, userID)
	if err != nil {
		return userID
	}
	return p.DisplayName
}

func (s *Session) stopPresenceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.presenceTimer != nil {
		s.presenceTimer.Stop()
		s.presenceTimer = nil
	}
}
