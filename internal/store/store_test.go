package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathParity(t *testing.T) {
	assert.True(t, IsCollection("rooms"))
	assert.False(t, IsCollection("rooms/r1"))
	assert.True(t, IsCollection("rooms/r1/cards"))
	assert.False(t, IsCollection("rooms/r1/cards/c1"))
	assert.False(t, IsCollection("/rooms/r1/"), "surrounding slashes are ignored")
}

func TestParent(t *testing.T) {
	assert.Equal(t, "rooms/r1/cards", Parent("rooms/r1/cards/c1"))
	assert.Equal(t, "rooms", Parent("rooms/r1"))
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "rooms/r1/cards", Join("rooms", "r1", "cards"))
}

func TestCompareValues(t *testing.T) {
	assert.Equal(t, 0, CompareValues(nil, nil))
	assert.Equal(t, -1, CompareValues(nil, float64(0)), "missing fields sort first")
	assert.Equal(t, -1, CompareValues(float64(1), float64(2)))
	assert.Equal(t, 1, CompareValues(float64(2), float64(1)))
	assert.Equal(t, -1, CompareValues("alice", "bob"))
	assert.Equal(t, 0, CompareValues(true, true))
	assert.Equal(t, -1, CompareValues(false, true))
	assert.Equal(t, -1, CompareValues(float64(99), "a"), "numbers order before strings")
}

func TestSortDocumentsMultiKey(t *testing.T) {
	docs := []Document{
		{ID: "a", Data: []byte(`{"votes":2,"timestamp":100}`)},
		{ID: "b", Data: []byte(`{"votes":5,"timestamp":200}`)},
		{ID: "c", Data: []byte(`{"votes":2,"timestamp":300}`)},
	}
	SortDocuments(docs, []Ordering{
		{Field: "votes", Desc: true},
		{Field: "timestamp", Desc: true},
	})
	assert.Equal(t, []string{"b", "c", "a"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})
}

func TestSortDocumentsManySwaps(t *testing.T) {
	// Enough documents that the sort swaps repeatedly; each document's
	// field values must travel with it through every swap.
	docs := []Document{
		{ID: "a", Data: []byte(`{"votes":2,"timestamp":500}`)},
		{ID: "b", Data: []byte(`{"votes":5,"timestamp":400}`)},
		{ID: "c", Data: []byte(`{"votes":5,"timestamp":300}`)},
		{ID: "d", Data: []byte(`{"votes":9,"timestamp":100}`)},
		{ID: "e", Data: []byte(`{"votes":1,"timestamp":200}`)},
	}
	SortDocuments(docs, []Ordering{
		{Field: "votes", Desc: true},
		{Field: "timestamp", Desc: true},
	})
	got := make([]string, len(docs))
	for i, d := range docs {
		got[i] = d.ID
	}
	assert.Equal(t, []string{"d", "b", "c", "a", "e"}, got)
}

func TestSortDocumentsFallsBackToID(t *testing.T) {
	docs := []Document{
		{ID: "z", Data: []byte(`{"votes":1}`)},
		{ID: "a", Data: []byte(`{"votes":1}`)},
	}
	SortDocuments(docs, []Ordering{{Field: "votes", Desc: true}})
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "z", docs[1].ID)
}

func TestSortDocumentsMalformedDoc(t *testing.T) {
	docs := []Document{
		{ID: "ok", Data: []byte(`{"votes":1}`)},
		{ID: "bad", Data: []byte(`not json`)},
	}
	// Malformed documents compare as missing fields; no panic.
	SortDocuments(docs, []Ordering{{Field: "votes", Desc: false}})
	assert.Equal(t, "bad", docs[0].ID)
}
