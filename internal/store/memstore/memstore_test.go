package memstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/retroboard/internal/store"
)

func waitSnapshot(t *testing.T, sub store.Subscription, ok func(store.Snapshot) bool) store.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, open := <-sub.Snapshots():
			if !open {
				t.Fatal("subscription closed before condition met")
			}
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestDocumentSubscriptionInitialAndUpdates(t *testing.T) {
	ctx := context.Background()
	m := New()

	sub, err := m.Subscribe(ctx, "rooms/r1", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	first := <-sub.Snapshots()
	assert.False(t, first.Exists, "missing document should report Exists=false")

	_, err = m.Create(ctx, "rooms/r1", map[string]any{"name": "Room r1"})
	require.NoError(t, err)

	snap := waitSnapshot(t, sub, func(s store.Snapshot) bool { return s.Exists })
	assert.Equal(t, "r1", snap.Doc.ID)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(snap.Doc.Data, &doc))
	assert.Equal(t, "Room r1", doc["name"])
}

func TestCreateOnCollectionAssignsID(t *testing.T) {
	ctx := context.Background()
	m := New()

	id1, err := m.Create(ctx, "rooms/r1/cards", map[string]any{"text": "a"})
	require.NoError(t, err)
	id2, err := m.Create(ctx, "rooms/r1/cards", map[string]any{"text": "b"})
	require.NoError(t, err)
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}

func TestMergeMissingDocument(t *testing.T) {
	ctx := context.Background()
	m := New()

	err := m.Merge(ctx, "rooms/nope", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMergeReplacesTopLevelFieldsOnly(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, err := m.Create(ctx, "rooms/r1", map[string]any{
		"name":     "before",
		"settings": map[string]any{"sortBy": "timestamp"},
	})
	require.NoError(t, err)

	require.NoError(t, m.Merge(ctx, "rooms/r1", map[string]any{"name": "after"}))

	sub, err := m.Subscribe(ctx, "rooms/r1", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap := <-sub.Snapshots()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(snap.Doc.Data, &doc))
	assert.Equal(t, "after", doc["name"])
	assert.Equal(t, map[string]any{"sortBy": "timestamp"}, doc["settings"], "untouched fields survive merges")
}

func TestSetAddAndRemoveAreIdempotent(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, err := m.Create(ctx, "rooms/r1/cards/c1", map[string]any{"votedBy": []string{}})
	require.NoError(t, err)

	path := "rooms/r1/cards/c1"
	require.NoError(t, m.SetAdd(ctx, path, "votedBy", "p1"))
	require.NoError(t, m.SetAdd(ctx, path, "votedBy", "p1"))
	require.NoError(t, m.SetAdd(ctx, path, "votedBy", "p2"))

	assert.Equal(t, []any{"p1", "p2"}, readField(t, m, path, "votedBy"))

	require.NoError(t, m.SetRemove(ctx, path, "votedBy", "p1"))
	require.NoError(t, m.SetRemove(ctx, path, "votedBy", "p1"))

	assert.Equal(t, []any{"p2"}, readField(t, m, path, "votedBy"))
}

func TestSetMutationsOnMissingDocument(t *testing.T) {
	ctx := context.Background()
	m := New()

	assert.ErrorIs(t, m.SetAdd(ctx, "rooms/r1/cards/ghost", "votedBy", "p1"), store.ErrNotFound)
	assert.ErrorIs(t, m.SetRemove(ctx, "rooms/r1/cards/ghost", "votedBy", "p1"), store.ErrNotFound)
}

func TestCollectionOrdering(t *testing.T) {
	ctx := context.Background()
	m := New()

	mk := func(votes, ts float64) map[string]any {
		return map[string]any{"votes": votes, "timestamp": ts}
	}
	idA, _ := m.Create(ctx, "rooms/r1/cards", mk(2, 100))
	idB, _ := m.Create(ctx, "rooms/r1/cards", mk(5, 200))
	idC, _ := m.Create(ctx, "rooms/r1/cards", mk(2, 300))

	sub, err := m.Subscribe(ctx, "rooms/r1/cards", []store.Ordering{
		{Field: "votes", Desc: true},
		{Field: "timestamp", Desc: true},
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap := <-sub.Snapshots()
	require.Len(t, snap.Docs, 3)
	// Highest votes first; the votes tie breaks by recency.
	assert.Equal(t, []string{idB, idC, idA}, []string{snap.Docs[0].ID, snap.Docs[1].ID, snap.Docs[2].ID})
}

func TestSlowConsumerGetsLatest(t *testing.T) {
	ctx := context.Background()
	m := New()

	_, err := m.Create(ctx, "rooms/r1", map[string]any{"name": "v0"})
	require.NoError(t, err)

	sub, err := m.Subscribe(ctx, "rooms/r1", nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Pile up writes without reading; intermediates coalesce away.
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Merge(ctx, "rooms/r1", map[string]any{"name": "v5"}))
	}

	snap := waitSnapshot(t, sub, func(s store.Snapshot) bool {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(s.Doc.Data, &doc))
		return doc["name"] == "v5"
	})
	assert.True(t, snap.Exists)
}

func TestUnsubscribeClosesStream(t *testing.T) {
	ctx := context.Background()
	m := New()

	sub, err := m.Subscribe(ctx, "rooms/r1", nil)
	require.NoError(t, err)

	<-sub.Snapshots()
	sub.Unsubscribe()

	select {
	case _, open := <-sub.Snapshots():
		assert.False(t, open, "stream should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}

func readField(t *testing.T, m *Memstore, path, field string) any {
	t.Helper()
	sub, err := m.Subscribe(context.Background(), path, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	snap := <-sub.Snapshots()
	require.True(t, snap.Exists)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(snap.Doc.Data, &doc))
	return doc[field]
}
