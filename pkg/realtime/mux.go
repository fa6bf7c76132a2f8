package realtime

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/tandemride/realtime/pkg/chat"
	"github.com/tandemride/realtime/pkg/transport"
)

// SubscriptionStatus tracks a key's lifecycle on the transport.
type SubscriptionStatus int

const (
	// StatusConnecting means the transport has not acknowledged the
	// subscription yet; outbound publishes are queued.
	StatusConnecting SubscriptionStatus = iota
	// StatusActive means events flow and publishes go straight out.
	StatusActive
	// StatusStale means the link dropped; the key waits for a resubscribe.
	StatusStale
)

// Handlers receives a key's inbound events. OnEvent is invoked serially, in
// transport arrival order, for one key; no ordering holds across keys.
type Handlers struct {
	OnEvent  func(env *chat.Envelope)
	OnActive func()
}

// Handle identifies one subscribe call so unsubscribing an already-replaced
// or already-released subscription stays a no-op.
type Handle struct {
	key string
	gen uint64
}

// publishQueueBound caps events queued per key while the subscription is
// still connecting. Beyond it Publish fails fast instead of growing without
// bound during a long disconnect.
const publishQueueBound = 32

type muxSub struct {
	key      string
	gen      uint64
	runGen   uint64 // bumped on every (re)subscribe so a dead pump can't clobber state
	status   SubscriptionStatus
	handlers Handlers
	queue    [][]byte
	cancel   context.CancelFunc
}

// Mux owns one logical subscription per channel key and all routing between
// the transport and the presence/typing/message components. Only the Mux
// holds transport handles; everyone else keeps keys.
type Mux struct {
	tr     transport.Transport
	logger zerolog.Logger

	mu      sync.Mutex
	subs    map[string]*muxSub
	order   []string // keys in original open order, for resubscribe
	nextGen uint64
	closed  bool
}

// NewMux builds a multiplexer over the given transport.
func NewMux(tr transport.Transport, logger zerolog.Logger) *Mux {
	return &Mux{
		tr:     tr,
		logger: logger.With().Str("component", "mux").Logger(),
		subs:   map[string]*muxSub{},
	}
}

// Subscribe opens (or takes over) the logical subscription for a key. A
// second subscribe to an active key replaces the previous handler set; there
// is exactly one logical subscriber per key at a time. The returned handle
// invalidates once replaced.
func (m *Mux) Subscribe(ctx context.Context, key string, h Handlers) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Handle{}
	}
	m.nextGen++
	gen := m.nextGen

	if s, ok := m.subs[key]; ok {
		// Take over the existing transport stream; the previous handler set
		// is detached from this point on.
		s.gen = gen
		s.handlers = h
		if s.status == StatusActive && h.OnActive != nil {
			go h.OnActive()
		}
		m.logger.Debug().Str("key", key).Msg("replaced subscription handlers")
		return Handle{key: key, gen: gen}
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &muxSub{key: key, gen: gen, runGen: 1, status: StatusConnecting, handlers: h, cancel: cancel}
	m.subs[key] = s
	m.order = append(m.order, key)
	go m.run(subCtx, s, 1)
	m.logger.Debug().Str("key", key).Msg("opened subscription")
	return Handle{key: key, gen: gen}
}

// Unsubscribe releases a key. The routing entry disappears synchronously;
// transport teardown is best-effort in the background. Calling it twice, or
// with a handle that was superseded, is a no-op.
func (m *Mux) Unsubscribe(h Handle) {
	m.mu.Lock()
	s, ok := m.subs[h.key]
	if !ok || s.gen != h.gen {
		m.mu.Unlock()
		return
	}
	delete(m.subs, h.key)
	for i, k := range m.order {
		if k == h.key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	cancel := s.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.logger.Debug().Str("key", h.key).Msg("unsubscribed")
}

// Publish sends an envelope on a key. While the key is still connecting the
// event is queued up to the bound and flushed on activation; beyond the
// bound Publish fails fast with chat.ErrQueueFull.
func (m *Mux) Publish(key string, env *chat.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	s, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(chat.ErrStaleSubscription, "publish %s", key)
	}
	if s.status != StatusActive {
		if len(s.queue) >= publishQueueBound {
			m.mu.Unlock()
			return errors.Wrapf(chat.ErrQueueFull, "publish %s", key)
		}
		s.queue = append(s.queue, data)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if err := m.tr.Publish(key, data); err != nil {
		return errors.Wrapf(chat.ErrTransport, "publish %s: %v", key, err)
	}
	return nil
}

// Status reports a key's lifecycle state; unknown keys are Stale.
func (m *Mux) Status(key string) SubscriptionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[key]; ok {
		return s.status
	}
	return StatusStale
}

// ActiveKeys returns the open keys in original subscribe order.
func (m *Mux) ActiveKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// ResubscribeAll re-issues every open subscription against the transport, in
// original open order. Pre-activation publish queues are dropped rather than
// replayed: anything queued before a disconnect is stale by now.
func (m *Mux) ResubscribeAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	for _, key := range keys {
		s := m.subs[key]
		if s.cancel != nil {
			s.cancel()
		}
		s.status = StatusConnecting
		s.queue = nil
		s.runGen++
		subCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go m.run(subCtx, s, s.runGen)
	}
	m.mu.Unlock()
	m.logger.Info().Strs("keys", keys).Msg("resubscribing all keys")
}

// MarkStale flags every open key as stale after a transport drop. Handlers
// keep their last-known state; nothing is delivered until a resubscribe.
func (m *Mux) MarkStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		s.status = StatusStale
	}
}

// Close tears down every subscription. The transport itself belongs to the
// caller and is not closed here.
func (m *Mux) Close() {
	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = map[string]*muxSub{}
	m.order = nil
	m.mu.Unlock()
	for _, s := range subs {
		if s.cancel != nil {
			s.cancel()
		}
	}
}

// run performs the transport subscribe and then pumps inbound events to the
// key's current handler set, one at a time.
func (m *Mux) run(ctx context.Context, s *muxSub, runGen uint64) {
	ch, err := m.tr.Subscribe(ctx, s.key)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", s.key).Msg("subscribe failed")
		m.mu.Lock()
		if m.subs[s.key] == s && s.runGen == runGen {
			s.status = StatusStale
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.subs[s.key] != s || s.runGen != runGen {
		// Unsubscribed or superseded while the transport call was in flight.
		m.mu.Unlock()
		return
	}
	s.status = StatusActive
	queued := s.queue
	s.queue = nil
	onActive := s.handlers.OnActive
	m.mu.Unlock()

	for _, data := range queued {
		if err := m.tr.Publish(s.key, data); err != nil {
			m.logger.Warn().Err(err).Str("key", s.key).Msg("flush of queued publish failed")
		}
	}
	if onActive != nil {
		onActive()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				m.mu.Lock()
				if m.subs[s.key] == s && s.runGen == runGen {
					s.status = StatusStale
				}
				m.mu.Unlock()
				m.logger.Debug().Str("key", s.key).Msg("subscription stream closed")
				return
			}
			env, err := chat.DecodeEnvelope(msg.Payload)
			if err != nil {
				m.logger.Warn().Err(err).Str("key", s.key).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			m.mu.Lock()
			current := m.subs[s.key] == s && s.runGen == runGen
			onEvent := s.handlers.OnEvent
			m.mu.Unlock()
			if current && onEvent != nil {
				onEvent(env)
			}
			msg.Ack()
		}
	}
}
