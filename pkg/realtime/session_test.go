package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tandemride/realtime/pkg/chat"
	"github.com/tandemride/realtime/pkg/transport"
)

// gatedTransport refuses Subscribe until Connect has been called, the way the
// websocket gateway does before its dial.
type gatedTransport struct {
	*fakeTransport
	mu        sync.Mutex
	connected bool
	status    chan transport.Status
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		fakeTransport: newFakeTransport(),
		status:        make(chan transport.Status, 4),
	}
}

func (g *gatedTransport) Connect(ctx context.Context) error {
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

func (g *gatedTransport) StatusChanges() <-chan transport.Status {
	return g.status
}

func (g *gatedTransport) Subscribe(ctx context.Context, key string) (<-chan *message.Message, error) {
	g.mu.Lock()
	connected := g.connected
	g.mu.Unlock()
	if !connected {
		return nil, errors.New("gateway not connected")
	}
	return g.fakeTransport.Subscribe(ctx, key)
}

func startTestSession(t *testing.T, tr transport.Transport, st *fakeStore, userID, name string) *Session {
	t.Helper()
	s := NewSession(Config{UserID: userID, DisplayName: name}, tr, st, nil, zerolog.Nop(),
		WithTypingOptions(WithTypingTimings(5*time.Second, 10*time.Millisecond, 2*time.Second)),
		WithReconcilerOptions(WithConfirmTimeout(time.Second)),
	)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func joinAndWait(t *testing.T, s *Session, roomID string) {
	t.Helper()
	require.NoError(t, s.JoinRoom(roomID))
	waitActive(t, s.mux, RoomKey(roomID))
	waitActive(t, s.mux, TypingKey(roomID))
}

func TestSession_PresenceAnnouncedAcrossSessions(t *testing.T) {
	tr := transport.NewInProcess(zerolog.Nop())
	defer tr.Close()
	st := &fakeStore{}

	a := startTestSession(t, tr, st, "userA", "Ana")
	require.Eventually(t, a.PresenceConnected, time.Second, 5*time.Millisecond)

	// The local user is visible before any remote event.
	snap := a.Presence()
	require.Len(t, snap, 1)
	require.Equal(t, "userA", snap[0].UserID)

	b := startTestSession(t, tr, st, "userB", "Bo")
	require.Eventually(t, b.PresenceConnected, time.Second, 5*time.Millisecond)

	// B's self-announce reaches A's roster.
	require.Eventually(t, func() bool {
		for _, e := range a.Presence() {
			if e.UserID == "userB" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSession_MessageFlowsToOtherSessionExactlyOnce(t *testing.T) {
	tr := transport.NewInProcess(zerolog.Nop())
	defer tr.Close()
	st := &fakeStore{}

	a := startTestSession(t, tr, st, "userA", "Ana")
	b := startTestSession(t, tr, st, "userB", "Bo")
	joinAndWait(t, a, "r1")
	joinAndWait(t, b, "r1")

	sent := a.SendMessage("r1", "on my way", SendExtras{})
	require.Equal(t, chat.DeliveryPending, sent.Delivery)

	// B receives the confirmed copy off the room stream.
	require.Eventually(t, func() bool {
		tl := b.Timeline("r1")
		return len(tl) == 1 && tl[0].Delivery == chat.DeliveryConfirmed && tl[0].Content == "on my way"
	}, time.Second, 5*time.Millisecond)

	// A's own stream echo collapses with the write response: one entry, not
	// two.
	require.Eventually(t, func() bool {
		tl := a.Timeline("r1")
		return len(tl) == 1 && tl[0].Delivery == chat.DeliveryConfirmed
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, a.Timeline("r1"), 1)
}

func TestSession_TypingVisibleRemotelyNotLocally(t *testing.T) {
	tr := transport.NewInProcess(zerolog.Nop())
	defer tr.Close()
	st := &fakeStore{}

	a := startTestSession(t, tr, st, "userA", "Ana")
	b := startTestSession(t, tr, st, "userB", "Bo")
	joinAndWait(t, a, "r1")
	joinAndWait(t, b, "r1")

	a.SetTyping("r1", true)

	require.Eventually(t, func() bool {
		typ := b.Typing("r1")
		return len(typ) == 1 && typ[0].UserID == "userA"
	}, time.Second, 5*time.Millisecond)
	// The sender never sees their own indicator.
	require.Empty(t, a.Typing("r1"))

	a.SetTyping("r1", false)
	require.Eventually(t, func() bool {
		return len(b.Typing("r1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSession_JoinLeaveIdempotent(t *testing.T) {
	tr := transport.NewInProcess(zerolog.Nop())
	defer tr.Close()
	st := &fakeStore{}

	s := startTestSession(t, tr, st, "userA", "Ana")
	joinAndWait(t, s, "r1")
	require.NoError(t, s.JoinRoom("r1"))

	s.LeaveRoom("r1")
	require.Equal(t, StatusStale, s.mux.Status(RoomKey("r1")))
	s.LeaveRoom("r1")
	s.LeaveRoom("never-joined")
}

func TestSession_HydratesHistoryOnJoin(t *testing.T) {
	tr := transport.NewInProcess(zerolog.Nop())
	defer tr.Close()
	st := &fakeStore{}
	st.history = []chat.Message{
		{ID: "old-1", RoomID: "r1", SenderID: "userB", Content: "earlier", CreatedAt: time.Now().Add(-time.Hour)},
		{ID: "old-2", RoomID: "r1", SenderID: "userA", Content: "later", CreatedAt: time.Now().Add(-30 * time.Minute)},
	}

	s := startTestSession(t, tr, st, "userA", "Ana")
	joinAndWait(t, s, "r1")

	require.Eventually(t, func() bool {
		tl := s.Timeline("r1")
		return len(tl) == 2 && tl[0].ID == "old-1" && tl[1].ID == "old-2"
	}, time.Second, 5*time.Millisecond)
}

func TestSession_PresenceActivatesOnConnectGatedTransport(t *testing.T) {
	tr := newGatedTransport()
	st := &fakeStore{}

	s := startTestSession(t, tr, st, "userA", "Ana")

	// The presence subscription is opened before the supervisor dials; the
	// successful connect must re-issue it rather than leave it stale.
	waitActive(t, s.mux, PresenceKey)
	require.Equal(t, chat.StateConnected, s.ConnectionState())
	require.Eventually(t, s.PresenceConnected, time.Second, 5*time.Millisecond)

	// Activation also flushed the self-announce heartbeat.
	require.Eventually(t, func() bool {
		return tr.publishedCount(PresenceKey) >= 1
	}, time.Second, 5*time.Millisecond)

	joinAndWait(t, s, "r1")
}

func TestSession_SendAfterCloseFailsFast(t *testing.T) {
	tr := transport.NewInProcess(zerolog.Nop())
	defer tr.Close()
	st := &fakeStore{}

	s := startTestSession(t, tr, st, "userA", "Ana")
	joinAndWait(t, s, "r1")
	s.Close()

	require.Error(t, s.JoinRoom("r2"))
	require.Error(t, s.Start(context.Background()))
}
