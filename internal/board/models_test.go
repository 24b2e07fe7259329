package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, SortByTime, s.SortBy)
	assert.Equal(t, SortDesc, s.SortOrder)
	assert.True(t, s.AllowAnonymousCards)
	assert.True(t, s.ShowAuthorToCreator)
	assert.False(t, s.ShowTimerVoting)
}

func TestHasVoted(t *testing.T) {
	c := Card{VotedBy: []string{"p1", "p2"}}
	assert.True(t, c.HasVoted("p1"))
	assert.False(t, c.HasVoted("p3"))

	empty := Card{}
	assert.False(t, empty.HasVoted("p1"))
}

func TestActiveWithin(t *testing.T) {
	now := time.UnixMilli(1_700_000_120_000)
	window := 60 * time.Second

	fresh := Participant{LastActive: now.Add(-59 * time.Second).UnixMilli()}
	stale := Participant{LastActive: now.Add(-61 * time.Second).UnixMilli()}
	exact := Participant{LastActive: now.Add(-window).UnixMilli()}

	assert.True(t, fresh.ActiveWithin(now, window))
	assert.False(t, stale.ActiveWithin(now, window))
	assert.False(t, exact.ActiveWithin(now, window), "the window boundary is exclusive")
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "rooms/r1", RoomPath("r1"))
	assert.Equal(t, "rooms/r1/cards", CardsPath("r1"))
	assert.Equal(t, "rooms/r1/cards/c1", CardPath("r1", "c1"))
	assert.Equal(t, "rooms/r1/participants", ParticipantsPath("r1"))
	assert.Equal(t, "rooms/r1/participants/p1", ParticipantPath("r1", "p1"))
}
