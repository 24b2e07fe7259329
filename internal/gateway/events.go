package gateway

import (
	"encoding/json"
	"time"

	"github.com/mcdev12/retroboard/internal/board"
	"github.com/mcdev12/retroboard/internal/timer"
)

// Event is the envelope for every server→client message.
type Event struct {
	Type      EventType       `json:"type"`
	RoomKey   string          `json:"roomKey"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventTypeRoomState    EventType = "RoomState"
	EventTypeCards        EventType = "Cards"
	EventTypeParticipants EventType = "Participants"
	EventTypeTimerTick    EventType = "TimerTick"
	EventTypeJoined       EventType = "Joined"
	EventTypeError        EventType = "Error"
)

// ParticipantsPayload carries the unfiltered participant list; ActiveCount
// is the server's derivation against its active window, clients remain
// free to derive their own.
type ParticipantsPayload struct {
	Participants []board.Participant `json:"participants"`
	ActiveCount  int                 `json:"activeCount"`
	WindowSec    int64               `json:"windowSec"`
}

// CardsPayload carries one ordered ledger snapshot.
type CardsPayload struct {
	Cards []board.Card `json:"cards"`
}

// TimerTickPayload carries one local countdown derivation.
type TimerTickPayload struct {
	State        timer.State `json:"state"`
	RemainingSec int64       `json:"remainingSec"`
}

// JoinedPayload acknowledges a join command.
type JoinedPayload struct {
	ParticipantID string `json:"participantId"`
	IsCreator     bool   `json:"isCreator"`
}

// ErrorPayload reports a rejected command.
type ErrorPayload struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// Command is the envelope for every client→server message.
type Command struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CommandType tags the payload carried by a Command.
type CommandType string

const (
	CommandJoin               CommandType = "join"
	CommandAddCard            CommandType = "add_card"
	CommandUpdateCard         CommandType = "update_card"
	CommandDeleteCard         CommandType = "delete_card"
	CommandToggleVote         CommandType = "toggle_vote"
	CommandRenameRoom         CommandType = "rename_room"
	CommandUpdateSettings     CommandType = "update_settings"
	CommandUpdateCustomFields CommandType = "update_custom_fields"
	CommandClaimCreator       CommandType = "claim_creator"
	CommandTimerSet           CommandType = "timer_set"
	CommandTimerStart         CommandType = "timer_start"
	CommandTimerStop          CommandType = "timer_stop"
	CommandTimerReset         CommandType = "timer_reset"
)

// JoinPayload identifies the participant behind a connection. The id and
// creator claim come from the client's locally persisted session; nothing
// is verified.
type JoinPayload struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	CreatorClaim  bool   `json:"creatorClaim"`
}

type AddCardPayload struct {
	Text         string            `json:"text"`
	Category     board.Category    `json:"category"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type UpdateCardPayload struct {
	CardID       string            `json:"cardId"`
	Text         string            `json:"text"`
	Category     board.Category    `json:"category"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type DeleteCardPayload struct {
	CardID string `json:"cardId"`
}

type ToggleVotePayload struct {
	CardID string `json:"cardId"`
	Upvote bool   `json:"upvote"`
}

type RenameRoomPayload struct {
	Name string `json:"name"`
}

type UpdateSettingsPayload struct {
	Settings board.RoomSettings `json:"settings"`
}

type UpdateCustomFieldsPayload struct {
	CustomFields []board.CustomField `json:"customFields"`
}

type TimerSetPayload struct {
	Minutes int `json:"minutes"`
}

// NewEvent wraps a payload into an Event envelope.
func NewEvent(eventType EventType, roomKey string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      eventType,
		RoomKey:   roomKey,
		Timestamp: time.Now(),
		Data:      data,
	}, nil
}
