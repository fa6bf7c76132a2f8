package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/tandemride/realtime/pkg/chat"
	"github.com/tandemride/realtime/pkg/transport"
)

const (
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
	defaultMaxRetries     = 8
)

// Supervisor owns the reconnect/resubscribe policy. On transport loss every
// component keeps its last-known snapshot (stale but visible); on recovery
// the supervisor re-issues every subscription in original open order and asks
// for a fresh presence sync. Queued outbound events from before the drop are
// not replayed.
type Supervisor struct {
	mux    *Mux
	rc     transport.Reconnectable // nil for always-up transports
	logger zerolog.Logger

	backoffInitial time.Duration
	backoffMax     time.Duration
	maxRetries     uint64

	onDown   func()
	onResync func()

	mu           sync.Mutex
	state        chat.ConnectionState
	listeners    map[uint64]func(chat.ConnectionState)
	nextListener uint64
	cancel       context.CancelFunc
}

type SupervisorOption func(*Supervisor)

// WithBackoff overrides the reconnect backoff bounds and retry budget.
func WithBackoff(initial, max time.Duration, maxRetries uint64) SupervisorOption {
	return func(s *Supervisor) {
		s.backoffInitial = initial
		s.backoffMax = max
		s.maxRetries = maxRetries
	}
}

// WithOnDown installs a hook invoked when the link drops.
func WithOnDown(fn func()) SupervisorOption {
	return func(s *Supervisor) { s.onDown = fn }
}

// WithOnResync installs a hook invoked after a successful resubscribe, used
// to request a fresh presence full sync.
func WithOnResync(fn func()) SupervisorOption {
	return func(s *Supervisor) { s.onResync = fn }
}

// NewSupervisor builds a supervisor for the given mux. rc may be nil when
// the transport cannot drop (in-process).
func NewSupervisor(mux *Mux, rc transport.Reconnectable, logger zerolog.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		mux:            mux,
		rc:             rc,
		logger:         logger.With().Str("component", "supervisor").Logger(),
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		maxRetries:     defaultMaxRetries,
		state:          chat.StateConnecting,
		listeners:      map[uint64]func(chat.ConnectionState){},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects (when the transport supports it) and begins watching link
// status. It returns once the initial connection attempt resolved.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if s.rc == nil {
		s.setState(chat.StateConnected)
		return nil
	}
	if err := s.connect(runCtx); err != nil {
		s.setState(chat.StateDisconnected)
		return err
	}
	// Keys opened before the link came up failed their first subscribe and
	// sit Stale; re-issue everything now that the transport is live.
	s.mux.ResubscribeAll(runCtx)
	s.setState(chat.StateConnected)
	go s.watch(runCtx)
	return nil
}

// State returns the current connection state.
func (s *Supervisor) State() chat.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a state listener and returns its unregister func.
// The listener fires immediately with the current state.
func (s *Supervisor) OnStateChange(fn func(chat.ConnectionState)) func() {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	state := s.state
	s.mu.Unlock()
	fn(state)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Stop halts watching and reconnecting.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) watch(ctx context.Context) {
	changes := s.rc.StatusChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-changes:
			if st != transport.StatusDown {
				continue
			}
			s.handleDown(ctx)
		}
	}
}

func (s *Supervisor) handleDown(ctx context.Context) {
	s.logger.Warn().Msg("transport down")
	s.mux.MarkStale()
	if s.onDown != nil {
		s.onDown()
	}
	s.setState(chat.StateConnecting)

	if err := s.reconnect(ctx); err != nil {
		// Retries exhausted: surface the persistent disconnect and keep
		// watching in case the transport comes back by itself.
		s.logger.Error().Err(err).Msg("reconnect retries exhausted")
		s.setState(chat.StateDisconnected)
		return
	}
	s.resubscribe(ctx)
	s.setState(chat.StateConnected)
}

func (s *Supervisor) reconnect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffInitial
	bo.MaxInterval = s.backoffMax
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.rc.Connect(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}
		return err
	}, policy)
}

func (s *Supervisor) connect(ctx context.Context) error {
	return s.rc.Connect(ctx)
}

// resubscribe re-opens every previously active key in its original order and
// then requests a presence resync so drift from the outage is resolved.
func (s *Supervisor) resubscribe(ctx context.Context) {
	s.mux.ResubscribeAll(ctx)
	if s.onResync != nil {
		s.onResync()
	}
	s.logger.Info().Msg("transport recovered")
}

func (s *Supervisor) setState(state chat.ConnectionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	fns := make([]func(chat.ConnectionState), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}
