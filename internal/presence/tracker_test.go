package presence

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/retroboard/internal/board"
	"github.com/mcdev12/retroboard/internal/store/memstore"
)

func newTracker(t *testing.T, cfg Config) (*Tracker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	return NewTracker(memstore.New(), clock, cfg), clock
}

func waitParticipants(t *testing.T, ch <-chan []board.Participant, ok func([]board.Participant) bool) []board.Participant {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case list, open := <-ch:
			if !open {
				t.Fatal("participant stream closed before condition met")
			}
			if ok(list) {
				return list
			}
		case <-deadline:
			t.Fatal("timed out waiting for participant snapshot")
		}
	}
}

func TestJoinAppearsInObservedList(t *testing.T) {
	ctx := context.Background()
	tracker, clock := newTracker(t, Config{})

	ch, stop, err := tracker.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, tracker.Join(ctx, "r1", "p1", "alice", true))
	list := waitParticipants(t, ch, func(ps []board.Participant) bool { return len(ps) == 1 })
	assert.Equal(t, "p1", list[0].ID)
	assert.Equal(t, "alice", list[0].Name)
	assert.True(t, list[0].IsCreator)
	assert.Equal(t, clock.Now().UnixMilli(), list[0].LastActive)
}

func TestJoinIsIdempotentUpsert(t *testing.T) {
	ctx := context.Background()
	tracker, clock := newTracker(t, Config{})

	require.NoError(t, tracker.Join(ctx, "r1", "p1", "alice", false))
	clock.Advance(10 * time.Second)
	require.NoError(t, tracker.Join(ctx, "r1", "p1", "alice", false))

	ch, stop, err := tracker.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()

	list := waitParticipants(t, ch, func(ps []board.Participant) bool { return len(ps) == 1 })
	assert.Equal(t, clock.Now().UnixMilli(), list[0].LastActive, "re-join refreshes the timestamp")
}

func TestActiveWindowBoundary(t *testing.T) {
	tracker, clock := newTracker(t, Config{
		HeartbeatInterval: 30 * time.Second,
		ActiveWindow:      60 * time.Second,
	})

	base := clock.Now()
	participants := []board.Participant{
		{ID: "fresh", LastActive: base.Add(-59 * time.Second).UnixMilli()},
		{ID: "stale", LastActive: base.Add(-61 * time.Second).UnixMilli()},
	}

	active := tracker.Active(participants)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ID)
}

func TestNarrowWindowIsWidened(t *testing.T) {
	tracker, _ := newTracker(t, Config{
		HeartbeatInterval: 30 * time.Second,
		ActiveWindow:      40 * time.Second,
	})
	assert.Equal(t, 60*time.Second, tracker.ActiveWindow())
}

func TestDefaults(t *testing.T) {
	tracker, _ := newTracker(t, Config{})
	assert.Equal(t, DefaultActiveWindow, tracker.ActiveWindow())
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	ctx := context.Background()
	tracker, clock := newTracker(t, Config{
		HeartbeatInterval: 30 * time.Second,
		ActiveWindow:      60 * time.Second,
	})

	require.NoError(t, tracker.Join(ctx, "r1", "p1", "alice", false))
	joined := clock.Now().UnixMilli()

	stop := tracker.StartHeartbeat(ctx, "r1", "p1", "alice", false)
	defer stop()

	// Wait for the heartbeat goroutine to stand up its ticker before
	// advancing past the interval.
	clock.BlockUntil(1)
	clock.Advance(31 * time.Second)

	ch, stopObserve, err := tracker.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stopObserve()

	list := waitParticipants(t, ch, func(ps []board.Participant) bool {
		return len(ps) == 1 && ps[0].LastActive > joined
	})
	assert.Equal(t, clock.Now().UnixMilli(), list[0].LastActive)
}

func TestStoppedHeartbeatGoesStale(t *testing.T) {
	ctx := context.Background()
	tracker, clock := newTracker(t, Config{
		HeartbeatInterval: 30 * time.Second,
		ActiveWindow:      60 * time.Second,
	})

	require.NoError(t, tracker.Join(ctx, "r1", "p1", "alice", false))
	p := board.Participant{ID: "p1", LastActive: clock.Now().UnixMilli()}

	assert.Len(t, tracker.Active([]board.Participant{p}), 1)
	clock.Advance(2 * time.Minute)
	assert.Empty(t, tracker.Active([]board.Participant{p}), "no heartbeat, participant ages out")
}
