package room

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/retroboard/internal/board"
	"github.com/mcdev12/retroboard/internal/store/memstore"
)

func newSynchronizer(t *testing.T) (*Synchronizer, *memstore.Memstore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	st := memstore.New()
	return NewSynchronizer(st, clock), st, clock
}

func waitRoom(t *testing.T, ch <-chan board.Room, ok func(board.Room) bool) board.Room {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case room, open := <-ch:
			if !open {
				t.Fatal("room stream closed before condition met")
			}
			if ok(room) {
				return room
			}
		case <-deadline:
			t.Fatal("timed out waiting for room snapshot")
		}
	}
}

func TestObserveCreatesDefaultRoom(t *testing.T) {
	ctx := context.Background()
	sync, _, clock := newSynchronizer(t)

	ch, stop, err := sync.Observe(ctx, "sprint-42")
	require.NoError(t, err)
	defer stop()

	room := waitRoom(t, ch, func(board.Room) bool { return true })
	assert.Equal(t, "sprint-42", room.ID)
	assert.Equal(t, "Room sprint-42", room.Name)
	assert.Equal(t, clock.Now().UnixMilli(), room.CreatedAt)
	assert.Empty(t, room.CreatorID)
	assert.Nil(t, room.Timer)

	def := board.DefaultSettings()
	assert.Equal(t, def, room.Settings)
	assert.Equal(t, board.SortByTime, room.Settings.SortBy)
	assert.Equal(t, board.SortDesc, room.Settings.SortOrder)
	assert.True(t, room.Settings.AllowAnonymousCards)
}

func TestObserveExistingRoom(t *testing.T) {
	ctx := context.Background()
	sync, st, _ := newSynchronizer(t)

	_, err := st.Create(ctx, board.RoomPath("r1"), board.Room{Name: "Planning", CreatorID: "p9"})
	require.NoError(t, err)

	ch, stop, err := sync.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()

	room := waitRoom(t, ch, func(board.Room) bool { return true })
	assert.Equal(t, "Planning", room.Name)
	assert.Equal(t, "p9", room.CreatorID)
}

func TestRenameReachesObservers(t *testing.T) {
	ctx := context.Background()
	sync, _, _ := newSynchronizer(t)

	ch, stop, err := sync.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()
	waitRoom(t, ch, func(board.Room) bool { return true })

	require.NoError(t, sync.Rename(ctx, "r1", "Retro week 8"))
	room := waitRoom(t, ch, func(r board.Room) bool { return r.Name == "Retro week 8" })
	assert.Equal(t, board.DefaultSettings(), room.Settings, "rename leaves settings untouched")
}

func TestUpdateRecreatesMissingRoom(t *testing.T) {
	ctx := context.Background()
	sync, _, _ := newSynchronizer(t)

	// No observer has touched the room yet, so the document is absent.
	require.NoError(t, sync.Rename(ctx, "fresh", "Recovered"))

	ch, stop, err := sync.Observe(ctx, "fresh")
	require.NoError(t, err)
	defer stop()

	room := waitRoom(t, ch, func(board.Room) bool { return true })
	assert.Equal(t, "Recovered", room.Name)
	assert.Equal(t, board.DefaultSettings(), room.Settings)
}

func TestUpdateSettingsReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	sync, _, _ := newSynchronizer(t)

	ch, stop, err := sync.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()
	waitRoom(t, ch, func(board.Room) bool { return true })

	next := board.DefaultSettings()
	next.SortBy = board.SortByVotes
	next.ShowTimerVoting = true
	require.NoError(t, sync.UpdateSettings(ctx, "r1", next))

	room := waitRoom(t, ch, func(r board.Room) bool { return r.Settings.SortBy == board.SortByVotes })
	assert.True(t, room.Settings.ShowTimerVoting)
	assert.True(t, room.Settings.AllowAnonymousCards, "fields copied from the previous record survive")
}

func TestClaimCreatorLastWriteWins(t *testing.T) {
	ctx := context.Background()
	sync, _, _ := newSynchronizer(t)

	ch, stop, err := sync.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()
	waitRoom(t, ch, func(board.Room) bool { return true })

	require.NoError(t, sync.ClaimCreator(ctx, "r1", "p1"))
	require.NoError(t, sync.ClaimCreator(ctx, "r1", "p2"))

	room := waitRoom(t, ch, func(r board.Room) bool { return r.CreatorID == "p2" })
	assert.Equal(t, "p2", room.CreatorID, "later claim overwrites the earlier one")
}

func TestUpdateTimer(t *testing.T) {
	ctx := context.Background()
	sync, _, clock := newSynchronizer(t)

	ch, stop, err := sync.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()
	waitRoom(t, ch, func(board.Room) bool { return true })

	timer := board.Timer{
		IsRunning:      true,
		StartTimestamp: clock.Now().UnixMilli(),
		Duration:       300,
	}
	require.NoError(t, sync.UpdateTimer(ctx, "r1", timer))

	room := waitRoom(t, ch, func(r board.Room) bool { return r.Timer != nil })
	assert.Equal(t, timer, *room.Timer)
}

func TestUpdateCustomFields(t *testing.T) {
	ctx := context.Background()
	sync, _, _ := newSynchronizer(t)

	ch, stop, err := sync.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()
	waitRoom(t, ch, func(board.Room) bool { return true })

	fields := []board.CustomField{
		{ID: "f1", Name: "Team", Type: board.FieldSelect, Options: []string{"infra", "app"}, Required: true},
	}
	require.NoError(t, sync.UpdateCustomFields(ctx, "r1", fields))

	room := waitRoom(t, ch, func(r board.Room) bool { return len(r.CustomFields) == 1 })
	assert.Equal(t, fields, room.CustomFields)
}

func TestUpdateCustomFieldsAssignsIDs(t *testing.T) {
	ctx := context.Background()
	sync, _, clock := newSynchronizer(t)

	ch, stop, err := sync.Observe(ctx, "r1")
	require.NoError(t, err)
	defer stop()
	waitRoom(t, ch, func(board.Room) bool { return true })

	millis := clock.Now().UnixMilli()
	require.NoError(t, sync.UpdateCustomFields(ctx, "r1", []board.CustomField{
		{Name: "Team", Type: board.FieldText},
		{ID: "keep-me", Name: "Owner", Type: board.FieldText},
		{Name: "Effort", Type: board.FieldNumber},
	}))

	room := waitRoom(t, ch, func(r board.Room) bool { return len(r.CustomFields) == 3 })
	assert.Equal(t, fmt.Sprintf("field_%d", millis), room.CustomFields[0].ID)
	assert.Equal(t, "keep-me", room.CustomFields[1].ID, "existing ids are preserved")
	assert.Equal(t, fmt.Sprintf("field_%d", millis+1), room.CustomFields[2].ID, "ids stay distinct within one update")
}
