// Package cards owns the ordered card collection of a room: creation,
// field updates (including soft delete), and idempotent vote toggling.
//
// The ledger performs no input validation; empty text or missing required
// custom fields must be rejected by the caller before persisting.
package cards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/board"
	"github.com/mcdev12/retroboard/internal/store"
)

// ErrUnknownCard reports a vote toggle against a card the ledger has not
// observed yet; the membership check needs a cached read.
var ErrUnknownCard = errors.New("cards: card not in local cache")

// Ledger replicates a room's card collection through the shared store.
// It keeps the last observed state of every card so that vote toggles can
// check current membership without a synchronous store read.
type Ledger struct {
	store store.Store
	clock clockwork.Clock

	mu    sync.RWMutex
	cache map[string]board.Card // keyed by roomKey + "/" + cardID
}

func NewLedger(st store.Store, clock clockwork.Clock) *Ledger {
	return &Ledger{store: st, clock: clock, cache: make(map[string]board.Card)}
}

// Observe streams ordered card-list snapshots for roomKey. Ordering is
// computed by the store: the requested primary key, with a secondary key
// of creation-time descending whenever the primary is votes or author so
// ties break by recency. Soft-deleted cards are filtered out and the vote
// count of every emitted card is recomputed from its vote set, masking
// transient counter drift.
//
// The stream is bound to the given sort parameters; when they change the
// caller cancels and observes again.
func (l *Ledger) Observe(ctx context.Context, roomKey string, sortBy board.SortKey, sortOrder board.SortOrder) (<-chan []board.Card, func(), error) {
	sub, err := l.store.Subscribe(ctx, board.CardsPath(roomKey), orderings(sortBy, sortOrder))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe cards %s: %w", roomKey, err)
	}

	out := make(chan []board.Card, 1)
	go func() {
		defer close(out)
		for snap := range sub.Snapshots() {
			visible := make([]board.Card, 0, len(snap.Docs))
			for _, doc := range snap.Docs {
				var card board.Card
				if err := json.Unmarshal(doc.Data, &card); err != nil {
					log.Error().Err(err).Str("room", roomKey).Str("card", doc.ID).Msg("malformed card document")
					continue
				}
				card.ID = doc.ID
				card.VotedBy = dedupe(card.VotedBy)
				card.Votes = len(card.VotedBy) // self-heal counter drift

				l.mu.Lock()
				l.cache[roomKey+"/"+card.ID] = card
				l.mu.Unlock()

				if card.Deleted {
					continue
				}
				visible = append(visible, card)
			}
			push(out, visible)
		}
	}()

	return out, sub.Unsubscribe, nil
}

// AddCard persists a new card and returns its store-assigned ID.
func (l *Ledger) AddCard(ctx context.Context, roomKey, text, author, authorID string, category board.Category, customFields map[string]string) (string, error) {
	if customFields == nil {
		customFields = map[string]string{}
	}
	card := board.Card{
		Text:         text,
		Author:       author,
		AuthorID:     authorID,
		Category:     category,
		Timestamp:    l.clock.Now().UnixMilli(),
		Votes:        0,
		VotedBy:      []string{},
		CustomFields: customFields,
	}

	id, err := l.store.Create(ctx, board.CardsPath(roomKey), card)
	if err != nil {
		return "", fmt.Errorf("add card to %s: %w", roomKey, err)
	}
	log.Info().Str("room", roomKey).Str("card", id).Str("category", string(category)).Msg("card added")
	return id, nil
}

// UpdateCard merges arbitrary fields into a card; used for author edits.
func (l *Ledger) UpdateCard(ctx context.Context, roomKey, cardID string, fields map[string]any) error {
	if err := l.store.Merge(ctx, board.CardPath(roomKey, cardID), fields); err != nil {
		return fmt.Errorf("update card %s: %w", cardID, err)
	}
	return nil
}

// SoftDelete marks a card deleted. The document persists; every derived
// view filters it out. Terminal: there is no undelete path.
func (l *Ledger) SoftDelete(ctx context.Context, roomKey, cardID string) error {
	log.Info().Str("room", roomKey).Str("card", cardID).Msg("card soft-deleted")
	return l.UpdateCard(ctx, roomKey, cardID, map[string]any{"deleted": true})
}

// ToggleVote applies a participant's vote intent to a card. Membership is
// checked against the locally cached card; when the intent already matches
// the current state the call is a no-op. The vote set mutation is a
// store-native atomic set op so concurrent voters never lose an update;
// the counter merge is computed from the possibly-stale cached read and is
// only eventually accurate, which observers mask by recomputing the count
// from the set on every snapshot.
func (l *Ledger) ToggleVote(ctx context.Context, roomKey, cardID, participantID string, wantUpvote bool) error {
	key := roomKey + "/" + cardID
	l.mu.RLock()
	card, ok := l.cache[key]
	l.mu.RUnlock()
	if !ok {
		return ErrUnknownCard
	}

	hasVoted := card.HasVoted(participantID)
	path := board.CardPath(roomKey, cardID)

	switch {
	case wantUpvote && !hasVoted:
		if err := l.store.SetAdd(ctx, path, "votedBy", participantID); err != nil {
			return fmt.Errorf("add vote on %s: %w", cardID, err)
		}
		if err := l.store.Merge(ctx, path, map[string]any{"votes": card.Votes + 1}); err != nil {
			return fmt.Errorf("bump vote count on %s: %w", cardID, err)
		}
		card.VotedBy = append(append([]string{}, card.VotedBy...), participantID)

	case !wantUpvote && hasVoted:
		if err := l.store.SetRemove(ctx, path, "votedBy", participantID); err != nil {
			return fmt.Errorf("remove vote on %s: %w", cardID, err)
		}
		votes := card.Votes - 1
		if votes < 0 {
			votes = 0
		}
		if err := l.store.Merge(ctx, path, map[string]any{"votes": votes}); err != nil {
			return fmt.Errorf("drop vote count on %s: %w", cardID, err)
		}
		card.VotedBy = remove(card.VotedBy, participantID)

	default:
		return nil // vote state already matches intent
	}

	// Advance the cache past the writes so an immediate repeat toggle is a
	// no-op even before the store snapshot comes back around.
	card.Votes = len(card.VotedBy)
	l.mu.Lock()
	l.cache[key] = card
	l.mu.Unlock()

	log.Debug().
		Str("room", roomKey).
		Str("card", cardID).
		Str("participant", participantID).
		Bool("upvote", wantUpvote).
		Msg("vote toggled")
	return nil
}

func orderings(sortBy board.SortKey, sortOrder board.SortOrder) []store.Ordering {
	desc := sortOrder == board.SortDesc
	switch sortBy {
	case board.SortByVotes, board.SortByAuthor:
		return []store.Ordering{
			{Field: string(sortBy), Desc: desc},
			{Field: string(board.SortByTime), Desc: true},
		}
	default:
		return []store.Ordering{{Field: string(board.SortByTime), Desc: desc}}
	}
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func remove(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// push delivers the latest list, dropping an undelivered stale one.
func push(out chan []board.Card, cards []board.Card) {
	for {
		select {
		case out <- cards:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}
