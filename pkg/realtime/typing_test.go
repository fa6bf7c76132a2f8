package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type typingSignal struct {
	roomID   string
	isTyping bool
}

type typingRecorder struct {
	mu      sync.Mutex
	signals []typingSignal
}

func (r *typingRecorder) publish(roomID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, typingSignal{roomID: roomID, isTyping: isTyping})
}

func (r *typingRecorder) all() []typingSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]typingSignal, len(r.signals))
	copy(out, r.signals)
	return out
}

func newTestTypingManager(rec *typingRecorder) *TypingManager {
	return NewTypingManager("me", rec.publish, zerolog.Nop(),
		WithTypingTimings(60*time.Millisecond, 40*time.Millisecond, 50*time.Millisecond))
}

func TestTypingManager_LocalDebounceAndSyntheticStop(t *testing.T) {
	rec := &typingRecorder{}
	tm := newTestTypingManager(rec)
	defer tm.Close()

	// Rapid keystrokes inside one suppression window emit a single true.
	tm.NotifyLocalTyping("r1")
	tm.NotifyLocalTyping("r1")
	tm.NotifyLocalTyping("r1")
	require.Equal(t, []typingSignal{{"r1", true}}, rec.all())

	// After the stop delay with no activity, exactly one false follows.
	require.Eventually(t, func() bool {
		s := rec.all()
		return len(s) == 2 && s[1] == typingSignal{"r1", false}
	}, time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	require.Len(t, rec.all(), 2, "no duplicate stop signals")
}

func TestTypingManager_StopLocalOnSend(t *testing.T) {
	rec := &typingRecorder{}
	tm := newTestTypingManager(rec)
	defer tm.Close()

	tm.NotifyLocalTyping("r1")
	tm.StopLocalTyping("r1")
	require.Equal(t, []typingSignal{{"r1", true}, {"r1", false}}, rec.all())

	// The pending stop timer was cancelled; nothing else arrives.
	time.Sleep(80 * time.Millisecond)
	require.Len(t, rec.all(), 2)

	// Stop without prior typing is a no-op.
	tm.StopLocalTyping("r2")
	require.Len(t, rec.all(), 2)
}

func TestTypingManager_RemoteEntryExpiresByTTL(t *testing.T) {
	rec := &typingRecorder{}
	tm := newTestTypingManager(rec)
	defer tm.Close()

	tm.OnRemoteTyping("r1", "u1", "Ana", true)
	require.Len(t, tm.Snapshot("r1"), 1)

	// Lost stop event: the entry clears itself within one TTL.
	require.Eventually(t, func() bool {
		return len(tm.Snapshot("r1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTypingManager_RepeatExtendsExpiry(t *testing.T) {
	rec := &typingRecorder{}
	tm := newTestTypingManager(rec)
	defer tm.Close()

	tm.OnRemoteTyping("r1", "u1", "Ana", true)
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		tm.OnRemoteTyping("r1", "u1", "Ana", true)
		require.Len(t, tm.Snapshot("r1"), 1, "repeat must extend, not drop")
	}
}

func TestTypingManager_ExplicitFalseRemovesImmediately(t *testing.T) {
	rec := &typingRecorder{}
	tm := newTestTypingManager(rec)
	defer tm.Close()

	tm.OnRemoteTyping("r1", "u1", "Ana", true)
	tm.OnRemoteTyping("r1", "u1", "Ana", false)
	require.Empty(t, tm.Snapshot("r1"))

	// A false for someone never seen typing changes nothing.
	tm.OnRemoteTyping("r1", "ghost", "", false)
	require.Empty(t, tm.Snapshot("r1"))
}

func TestTypingManager_SelfEventsSuppressed(t *testing.T) {
	rec := &typingRecorder{}
	tm := newTestTypingManager(rec)
	defer tm.Close()

	tm.OnRemoteTyping("r1", "me", "Me", true)
	require.Empty(t, tm.Snapshot("r1"))
}

func TestTypingManager_CloseRoomDropsStateSilently(t *testing.T) {
	rec := &typingRecorder{}
	tm := newTestTypingManager(rec)
	defer tm.Close()

	tm.NotifyLocalTyping("r1")
	tm.OnRemoteTyping("r1", "u1", "Ana", true)
	tm.CloseRoom("r1")

	require.Empty(t, tm.Snapshot("r1"))
	// Leaving a room must not broadcast a synthetic stop.
	require.Equal(t, []typingSignal{{"r1", true}}, rec.all())
	time.Sleep(80 * time.Millisecond)
	require.Len(t, rec.all(), 1)
}
