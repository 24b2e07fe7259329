// Package presence tracks per-participant liveness documents. Presence is
// heartbeat-based: a participant is upserted on join and re-upserted on a
// fixed interval for as long as its session is open. There is no leave
// signal; departure is inferred by staleness against the active window.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/board"
	"github.com/mcdev12/retroboard/internal/store"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultActiveWindow      = 120 * time.Second
)

// Config tunes heartbeat emission and liveness derivation. The active
// window must exceed the heartbeat interval by at least 2x, otherwise a
// single delayed heartbeat flaps the participant out of the active set.
type Config struct {
	HeartbeatInterval time.Duration
	ActiveWindow      time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = DefaultActiveWindow
	}
	if c.ActiveWindow < 2*c.HeartbeatInterval {
		log.Warn().
			Dur("interval", c.HeartbeatInterval).
			Dur("window", c.ActiveWindow).
			Msg("active window below 2x heartbeat interval, widening")
		c.ActiveWindow = 2 * c.HeartbeatInterval
	}
}

// Tracker replicates participant liveness through the shared store.
type Tracker struct {
	store store.Store
	clock clockwork.Clock
	cfg   Config
}

func NewTracker(st store.Store, clock clockwork.Clock, cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{store: st, clock: clock, cfg: cfg}
}

// Join upserts the participant's presence document with the current
// timestamp. Idempotent; also used as the heartbeat write.
func (t *Tracker) Join(ctx context.Context, roomKey string, participantID, name string, isCreator bool) error {
	p := board.Participant{
		Name:       name,
		LastActive: t.clock.Now().UnixMilli(),
		IsCreator:  isCreator,
	}
	if _, err := t.store.Create(ctx, board.ParticipantPath(roomKey, participantID), p); err != nil {
		return fmt.Errorf("join room %s: %w", roomKey, err)
	}
	return nil
}

// StartHeartbeat re-issues the join upsert on the configured interval
// until ctx is cancelled or the returned stop func is called. Stopping the
// heartbeat is the only teardown a departing participant performs.
func (t *Tracker) StartHeartbeat(ctx context.Context, roomKey string, participantID, name string, isCreator bool) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := t.clock.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.Chan():
				if err := t.Join(hbCtx, roomKey, participantID, name, isCreator); err != nil {
					log.Error().Err(err).
						Str("room", roomKey).
						Str("participant", participantID).
						Msg("heartbeat write failed")
				}
			}
		}
	}()
	return cancel
}

// Observe streams unfiltered participant-list snapshots. Liveness is a
// derived view: consumers recompute Active against the window, nothing is
// persisted.
func (t *Tracker) Observe(ctx context.Context, roomKey string) (<-chan []board.Participant, func(), error) {
	sub, err := t.store.Subscribe(ctx, board.ParticipantsPath(roomKey), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe participants %s: %w", roomKey, err)
	}

	out := make(chan []board.Participant, 1)
	go func() {
		defer close(out)
		for snap := range sub.Snapshots() {
			list := make([]board.Participant, 0, len(snap.Docs))
			for _, doc := range snap.Docs {
				var p board.Participant
				if err := json.Unmarshal(doc.Data, &p); err != nil {
					log.Error().Err(err).Str("room", roomKey).Str("participant", doc.ID).Msg("malformed participant document")
					continue
				}
				p.ID = doc.ID
				list = append(list, p)
			}
			push(out, list)
		}
	}()

	return out, sub.Unsubscribe, nil
}

// Active filters a participant list down to those heard from within the
// active window.
func (t *Tracker) Active(participants []board.Participant) []board.Participant {
	now := t.clock.Now()
	active := make([]board.Participant, 0, len(participants))
	for _, p := range participants {
		if p.ActiveWithin(now, t.cfg.ActiveWindow) {
			active = append(active, p)
		}
	}
	return active
}

// ActiveWindow exposes the configured staleness window.
func (t *Tracker) ActiveWindow() time.Duration { return t.cfg.ActiveWindow }

// push delivers the latest list, dropping an undelivered stale one.
func push(out chan []board.Participant, list []board.Participant) {
	for {
		select {
		case out <- list:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}
