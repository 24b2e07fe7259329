// Package board holds the shared domain model for one retrospective room.
// JSON field names are the wire format every backend stores and every
// client reads; timestamps are unix milliseconds.
package board

import (
	"time"

	"github.com/mcdev12/retroboard/internal/store"
)

// Category buckets a card into one of the board columns. The base set is
// start/stop/continue; custom-field-keyed categories pass through as
// arbitrary strings.
type Category string

const (
	CategoryStart    Category = "start"
	CategoryStop     Category = "stop"
	CategoryContinue Category = "continue"
)

// SortKey selects the primary ordering of the card ledger.
type SortKey string

const (
	SortByTime   SortKey = "timestamp"
	SortByVotes  SortKey = "votes"
	SortByAuthor SortKey = "author"
)

// SortOrder is the direction of the primary sort key.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// FieldType is the input type of a custom card field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldSelect FieldType = "select"
)

// CustomField is a creator-defined extra input on the add-card form.
type CustomField struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Options  []string  `json:"options,omitempty"`
	Required bool      `json:"required"`
}

// RoomSettings is the mutable room configuration. Writers must supply the
// full struct; the store merges it wholesale (last writer wins).
type RoomSettings struct {
	ShowTimerVoting     bool      `json:"showTimerVoting"`
	AllowAnonymousCards bool      `json:"allowAnonymousCards"`
	ShowAuthorToCreator bool      `json:"showAuthorToCreator"`
	SortBy              SortKey   `json:"sortBy"`
	SortOrder           SortOrder `json:"sortOrder"`
}

// DefaultSettings are applied when a room is created on first access.
func DefaultSettings() RoomSettings {
	return RoomSettings{
		ShowTimerVoting:     false,
		AllowAnonymousCards: true,
		ShowAuthorToCreator: true,
		SortBy:              SortByTime,
		SortOrder:           SortDesc,
	}
}

// Timer is the shared countdown state embedded in the room document.
// Duration is whole seconds: total while running, remaining while not.
// StartTimestamp is the anchor every client derives time-left from.
type Timer struct {
	IsRunning      bool  `json:"isRunning"`
	StartTimestamp int64 `json:"startTimestamp"`
	Duration       int64 `json:"duration"`
	IsEnded        bool  `json:"isEnded"`
}

// Room is the configuration document for one collaboration session.
type Room struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	CreatedAt    int64         `json:"createdAt"`
	LastActive   int64         `json:"lastActive"`
	CreatorID    string        `json:"creatorId"`
	CustomFields []CustomField `json:"customFields"`
	Settings     RoomSettings  `json:"settings"`
	Timer        *Timer        `json:"timer,omitempty"`
}

// Card is one contributed note.
type Card struct {
	ID           string            `json:"id"`
	Text         string            `json:"text"`
	Author       string            `json:"author"`
	AuthorID     string            `json:"authorId"`
	Category     Category          `json:"category"`
	Timestamp    int64             `json:"timestamp"`
	Votes        int               `json:"votes"`
	VotedBy      []string          `json:"votedBy"`
	CustomFields map[string]string `json:"customFields,omitempty"`
	Deleted      bool              `json:"deleted,omitempty"`
}

// HasVoted reports whether the participant is in the card's vote set.
func (c *Card) HasVoted(participantID string) bool {
	for _, id := range c.VotedBy {
		if id == participantID {
			return true
		}
	}
	return false
}

// Participant is a session-scoped identity, not an account. "Active" is
// never stored; it is derived from LastActive against a window.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	LastActive int64  `json:"lastActive"`
	IsCreator  bool   `json:"isCreator,omitempty"`
}

// ActiveWithin reports whether the participant's last heartbeat falls
// inside the staleness window.
func (p *Participant) ActiveWithin(now time.Time, window time.Duration) bool {
	return now.UnixMilli()-p.LastActive < window.Milliseconds()
}

// Store path layout: rooms/<key>, rooms/<key>/cards/<id>,
// rooms/<key>/participants/<id>.

func RoomPath(roomKey string) string { return store.Join("rooms", roomKey) }

func CardsPath(roomKey string) string { return store.Join("rooms", roomKey, "cards") }

func CardPath(roomKey, cardID string) string {
	return store.Join("rooms", roomKey, "cards", cardID)
}

func ParticipantsPath(roomKey string) string {
	return store.Join("rooms", roomKey, "participants")
}

func ParticipantPath(roomKey, participantID string) string {
	return store.Join("rooms", roomKey, "participants", participantID)
}
