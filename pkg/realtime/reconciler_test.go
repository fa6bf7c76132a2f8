package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tandemride/realtime/pkg/chat"
	"github.com/tandemride/realtime/pkg/store"
)

// fakeStore implements store.MessageStore with scriptable behavior.
type fakeStore struct {
	mu          sync.Mutex
	failNext    bool
	block       chan struct{} // when set, Insert waits until closed
	stripTempID bool
	inserted    []chat.Message
	history     []chat.Message // returned by Query, oldest first
}

func (f *fakeStore) Insert(ctx context.Context, msg *chat.Message) (*chat.Message, error) {
	f.mu.Lock()
	block := f.block
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("backend rejected write")
	}
	stored := *msg
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now().UTC()
	stored.Delivery = chat.DeliveryConfirmed
	if f.stripTempID {
		stored.ClientTempID = ""
	}
	f.mu.Lock()
	f.inserted = append(f.inserted, stored)
	f.mu.Unlock()
	return &stored, nil
}

func (f *fakeStore) Query(ctx context.Context, roomID string, page store.Page) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chat.Message
	for _, m := range f.history {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func newTestReconciler(st *fakeStore, opts ...ReconcilerOption) *Reconciler {
	base := []ReconcilerOption{WithConfirmTimeout(100 * time.Millisecond)}
	return NewReconciler("me", "Me", st, zerolog.Nop(), append(base, opts...)...)
}

func waitTimeline(t *testing.T, r *Reconciler, roomID string, cond func([]chat.Message) bool) []chat.Message {
	t.Helper()
	var last []chat.Message
	require.Eventually(t, func() bool {
		last = r.Timeline(roomID)
		return cond(last)
	}, time.Second, 5*time.Millisecond, "timeline never reached expected shape: %+v", last)
	return last
}

func allConfirmed(msgs []chat.Message) bool {
	for _, m := range msgs {
		if m.Delivery != chat.DeliveryConfirmed {
			return false
		}
	}
	return true
}

func TestReconciler_OptimisticInsertThenConfirm(t *testing.T) {
	st := &fakeStore{}
	r := newTestReconciler(st)
	defer r.Close()

	sent := r.SendMessage(context.Background(), "r1", "hi", SendExtras{})
	require.Equal(t, chat.DeliveryPending, sent.Delivery)
	require.NotEmpty(t, sent.ClientTempID)

	tl := r.Timeline("r1")
	require.Len(t, tl, 1)
	require.Equal(t, chat.DeliveryPending, tl[0].Delivery)

	tl = waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && allConfirmed(msgs)
	})
	require.Equal(t, sent.ClientTempID, tl[0].ClientTempID)
	require.NotEmpty(t, tl[0].ID)
}

func TestReconciler_ExactlyOnceWhenStreamArrivesFirst(t *testing.T) {
	st := &fakeStore{block: make(chan struct{})}
	r := newTestReconciler(st)
	defer r.Close()

	sent := r.SendMessage(context.Background(), "r1", "hi", SendExtras{})

	// The realtime stream delivers the confirmed copy before the write
	// response returns.
	confirmed := *sent
	confirmed.ID = "srv-1"
	confirmed.CreatedAt = time.Now().UTC()
	r.OnRemoteMessage(confirmed)

	tl := r.Timeline("r1")
	require.Len(t, tl, 1)
	require.Equal(t, chat.DeliveryConfirmed, tl[0].Delivery)
	require.Equal(t, "srv-1", tl[0].ID)

	// Now the blocked write completes; its copy carries the same temp id so
	// the already-confirmed message must not duplicate.
	close(st.block)
	time.Sleep(50 * time.Millisecond)
	tl = r.Timeline("r1")
	require.Len(t, tl, 1)
	require.Equal(t, "srv-1", tl[0].ID)
}

func TestReconciler_ExactlyOnceWhenWriteReturnsFirst(t *testing.T) {
	st := &fakeStore{}
	r := newTestReconciler(st)
	defer r.Close()

	sent := r.SendMessage(context.Background(), "r1", "hi", SendExtras{})

	tl := waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && allConfirmed(msgs)
	})
	serverID := tl[0].ID

	// The stream copy arrives second and is dropped by server id.
	echo := tl[0]
	echo.ClientTempID = sent.ClientTempID
	r.OnRemoteMessage(echo)

	tl = r.Timeline("r1")
	require.Len(t, tl, 1)
	require.Equal(t, serverID, tl[0].ID)
}

func TestReconciler_FallbackMatchPairsSingleCandidate(t *testing.T) {
	st := &fakeStore{stripTempID: true}
	r := newTestReconciler(st)
	defer r.Close()

	r.SendMessage(context.Background(), "r1", "only one", SendExtras{})

	tl := waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && allConfirmed(msgs)
	})
	require.Equal(t, "only one", tl[0].Content)
}

func TestReconciler_FallbackAmbiguityLeavesPendingsAlone(t *testing.T) {
	st := &fakeStore{block: make(chan struct{}), stripTempID: true}
	r := newTestReconciler(st, WithConfirmTimeout(time.Hour))
	defer r.Close()

	// Two identical pendings in flight.
	r.SendMessage(context.Background(), "r1", "same", SendExtras{})
	r.SendMessage(context.Background(), "r1", "same", SendExtras{})

	// A confirmed copy without temp id cannot pick between them; it appends
	// and both pendings stay pending.
	r.OnRemoteMessage(chat.Message{
		ID: "srv-1", RoomID: "r1", SenderID: "me", SenderName: "Me",
		Content: "same", Type: chat.MessageText, CreatedAt: time.Now().UTC(),
	})

	tl := r.Timeline("r1")
	require.Len(t, tl, 3)
	pending := 0
	for _, m := range tl {
		if m.Delivery == chat.DeliveryPending {
			pending++
		}
	}
	require.Equal(t, 2, pending)
	close(st.block)
}

func TestReconciler_RemoteOnlyMessageAppends(t *testing.T) {
	st := &fakeStore{}
	r := newTestReconciler(st)
	defer r.Close()

	r.OnRemoteMessage(chat.Message{
		ID: "srv-1", RoomID: "r1", SenderID: "u2", SenderName: "Ana",
		Content: "hello", Type: chat.MessageText, CreatedAt: time.Now().UTC(),
	})

	tl := r.Timeline("r1")
	require.Len(t, tl, 1)
	require.Equal(t, chat.DeliveryConfirmed, tl[0].Delivery)
}

func TestReconciler_OrderedByServerTimestamp(t *testing.T) {
	st := &fakeStore{}
	r := newTestReconciler(st)
	defer r.Close()

	base := time.Now().UTC()
	// Later message arrives first; ordering follows timestamps, not arrival.
	r.OnRemoteMessage(chat.Message{ID: "m1", RoomID: "r1", SenderID: "u2", Content: "second", CreatedAt: base.Add(10 * time.Second)})
	r.OnRemoteMessage(chat.Message{ID: "m2", RoomID: "r1", SenderID: "u2", Content: "first", CreatedAt: base.Add(5 * time.Second)})

	tl := r.Timeline("r1")
	require.Len(t, tl, 2)
	require.Equal(t, "m2", tl[0].ID)
	require.Equal(t, "m1", tl[1].ID)
}

func TestReconciler_WriteFailureMarksFailedInPlace(t *testing.T) {
	st := &fakeStore{failNext: true}
	r := newTestReconciler(st)
	defer r.Close()

	sent := r.SendMessage(context.Background(), "r1", "doomed", SendExtras{})

	tl := waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && msgs[0].Delivery == chat.DeliveryFailed
	})
	require.Equal(t, sent.ClientTempID, tl[0].ClientTempID, "failed message stays visible in place")
}

func TestReconciler_ConfirmTimeoutFailsPending(t *testing.T) {
	st := &fakeStore{block: make(chan struct{})}
	r := newTestReconciler(st, WithConfirmTimeout(50*time.Millisecond))
	defer r.Close()
	defer close(st.block)

	r.SendMessage(context.Background(), "r1", "slow", SendExtras{})

	waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && msgs[0].Delivery == chat.DeliveryFailed
	})
}

func TestReconciler_RetryFlipsFailedBackToPending(t *testing.T) {
	st := &fakeStore{failNext: true}
	r := newTestReconciler(st)
	defer r.Close()

	sent := r.SendMessage(context.Background(), "r1", "retry me", SendExtras{})
	waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && msgs[0].Delivery == chat.DeliveryFailed
	})

	require.NoError(t, r.Retry(context.Background(), "r1", sent.ClientTempID))
	waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && msgs[0].Delivery == chat.DeliveryConfirmed
	})

	// Retrying something that is no longer failed errors out.
	require.Error(t, r.Retry(context.Background(), "r1", sent.ClientTempID))
}

func TestReconciler_DismissRemovesOnlyFailed(t *testing.T) {
	st := &fakeStore{failNext: true}
	r := newTestReconciler(st)
	defer r.Close()

	sent := r.SendMessage(context.Background(), "r1", "gone", SendExtras{})
	waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && msgs[0].Delivery == chat.DeliveryFailed
	})

	r.Dismiss("r1", sent.ClientTempID)
	require.Empty(t, r.Timeline("r1"))

	// A confirmed message is not dismissable.
	ok := r.SendMessage(context.Background(), "r1", "stays", SendExtras{})
	waitTimeline(t, r, "r1", func(msgs []chat.Message) bool {
		return len(msgs) == 1 && allConfirmed(msgs)
	})
	r.Dismiss("r1", ok.ClientTempID)
	require.Len(t, r.Timeline("r1"), 1)
}

func TestReconciler_HydrateSkipsKnownServerIDs(t *testing.T) {
	st := &fakeStore{}
	r := newTestReconciler(st)
	defer r.Close()

	r.OnRemoteMessage(chat.Message{ID: "srv-1", RoomID: "r1", SenderID: "u2", Content: "live", CreatedAt: time.Now().UTC()})

	r.Hydrate("r1", []chat.Message{
		{ID: "srv-1", RoomID: "r1", SenderID: "u2", Content: "live", CreatedAt: time.Now().UTC()},
		{ID: "srv-0", RoomID: "r1", SenderID: "u2", Content: "older", CreatedAt: time.Now().UTC().Add(-time.Minute)},
	})

	tl := r.Timeline("r1")
	require.Len(t, tl, 2)
	require.Equal(t, "srv-0", tl[0].ID)
	require.Equal(t, "srv-1", tl[1].ID)
}

func TestReconciler_SubscribeTimelineNotifies(t *testing.T) {
	st := &fakeStore{}
	r := newTestReconciler(st)
	defer r.Close()

	var mu sync.Mutex
	calls := 0
	unsub := r.SubscribeTimeline("r1", func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	r.SendMessage(context.Background(), "r1", "ping", SendExtras{})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2 // pending insert + confirmation
	}, time.Second, 5*time.Millisecond)

	unsub()
	unsub() // idempotent
	mu.Lock()
	before := calls
	mu.Unlock()
	r.OnRemoteMessage(chat.Message{ID: "srv-9", RoomID: "r1", SenderID: "u2", Content: "x", CreatedAt: time.Now().UTC()})
	mu.Lock()
	require.Equal(t, before, calls)
	mu.Unlock()
}
