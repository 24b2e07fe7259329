// Package room owns the lifecycle of one room's configuration document:
// lazy creation on first access, live observation, and merge updates.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/board"
	"github.com/mcdev12/retroboard/internal/store"
)

// Synchronizer replicates room documents through the shared store.
type Synchronizer struct {
	store store.Store
	clock clockwork.Clock
}

func NewSynchronizer(st store.Store, clock clockwork.Clock) *Synchronizer {
	return &Synchronizer{store: st, clock: clock}
}

// Observe streams room snapshots for roomKey. If the room document does
// not exist when the subscription opens, a room with default settings is
// created and emitted as if it had been read. The stream ends when ctx is
// cancelled or the returned cancel func is called.
func (s *Synchronizer) Observe(ctx context.Context, roomKey string) (<-chan board.Room, func(), error) {
	sub, err := s.store.Subscribe(ctx, board.RoomPath(roomKey), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe room %s: %w", roomKey, err)
	}

	out := make(chan board.Room, 1)
	go func() {
		defer close(out)
		for snap := range sub.Snapshots() {
			if !snap.Exists {
				room := s.defaultRoom(roomKey)
				if _, err := s.store.Create(ctx, board.RoomPath(roomKey), room); err != nil {
					log.Error().Err(err).Str("room", roomKey).Msg("failed to create default room")
					continue
				}
				log.Info().Str("room", roomKey).Msg("room created with default settings")
				room.ID = roomKey
				push(out, room)
				continue
			}

			var room board.Room
			if err := json.Unmarshal(snap.Doc.Data, &room); err != nil {
				log.Error().Err(err).Str("room", roomKey).Msg("malformed room document")
				continue
			}
			room.ID = roomKey
			push(out, room)
		}
	}()

	return out, sub.Unsubscribe, nil
}

// Update merges the given top-level fields into the room document. Nested
// structures (settings, timer, customFields) are replaced wholesale, so
// callers read-modify-write them from their latest snapshot. A missing
// room is recreated with defaults before the merge is retried.
func (s *Synchronizer) Update(ctx context.Context, roomKey string, fields map[string]any) error {
	err := s.store.Merge(ctx, board.RoomPath(roomKey), fields)
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if _, cerr := s.store.Create(ctx, board.RoomPath(roomKey), s.defaultRoom(roomKey)); cerr != nil {
		return fmt.Errorf("recreate room %s: %w", roomKey, cerr)
	}
	log.Warn().Str("room", roomKey).Msg("update hit missing room, recreated with defaults")
	return s.store.Merge(ctx, board.RoomPath(roomKey), fields)
}

// Rename sets the room display name.
func (s *Synchronizer) Rename(ctx context.Context, roomKey, name string) error {
	return s.Update(ctx, roomKey, map[string]any{"name": name})
}

// UpdateSettings replaces the settings record.
func (s *Synchronizer) UpdateSettings(ctx context.Context, roomKey string, settings board.RoomSettings) error {
	return s.Update(ctx, roomKey, map[string]any{"settings": settings})
}

// UpdateCustomFields replaces the custom field definition list. Fields
// submitted without an id get a "field_<millis>" id assigned here, so
// every stored definition is addressable; millis are bumped within one
// call to keep the ids distinct.
func (s *Synchronizer) UpdateCustomFields(ctx context.Context, roomKey string, fields []board.CustomField) error {
	millis := s.clock.Now().UnixMilli()
	assigned := make([]board.CustomField, len(fields))
	for i, f := range fields {
		if f.ID == "" {
			f.ID = fmt.Sprintf("field_%d", millis)
			millis++
		}
		assigned[i] = f
	}
	return s.Update(ctx, roomKey, map[string]any{"customFields": assigned})
}

// UpdateTimer replaces the embedded timer record.
func (s *Synchronizer) UpdateTimer(ctx context.Context, roomKey string, t board.Timer) error {
	return s.Update(ctx, roomKey, map[string]any{"timer": t})
}

// ClaimCreator sets the room's creator identity. The write is an
// unconditional merge: concurrent claims race and the last one persists.
// Clients must derive their creator status from the room snapshot they
// last read, not from having issued a claim.
func (s *Synchronizer) ClaimCreator(ctx context.Context, roomKey, participantID string) error {
	log.Info().Str("room", roomKey).Str("participant", participantID).Msg("claiming room creator")
	return s.Update(ctx, roomKey, map[string]any{"creatorId": participantID})
}

func (s *Synchronizer) defaultRoom(roomKey string) board.Room {
	now := s.clock.Now().UnixMilli()
	return board.Room{
		Name:         "Room " + roomKey,
		CreatedAt:    now,
		LastActive:   now,
		CreatorID:    "",
		CustomFields: []board.CustomField{},
		Settings:     board.DefaultSettings(),
	}
}

// push delivers the latest room state, dropping an undelivered stale one.
func push(out chan board.Room, room board.Room) {
	for {
		select {
		case out <- room:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}
