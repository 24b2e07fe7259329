// Package timer derives a single logical countdown from the shared
// start-timestamp + duration pair replicated in the room document. Every
// client re-derives remaining time from that anchor on each tick, never
// from a locally accumulated counter, so late joiners and reconnecting
// clients converge immediately from their next snapshot.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/board"
)

// State is the local view of the timer state machine.
type State string

const (
	StateUnset   State = "unset"
	StateIdle    State = "idle" // configured, not running
	StateRunning State = "running"
	StateEnded   State = "ended"
)

// ErrNoTimer reports a start/stop against a room whose timer was never
// configured.
var ErrNoTimer = errors.New("timer: no timer configured")

// StateOf classifies a replicated timer record.
func StateOf(t *board.Timer) State {
	switch {
	case t == nil:
		return StateUnset
	case t.IsRunning:
		return StateRunning
	case t.IsEnded:
		return StateEnded
	default:
		return StateIdle
	}
}

// TimeLeft derives whole seconds remaining at now. While running this is
// duration minus floored elapsed seconds since the shared anchor; clock
// drift between clients only affects rounding because everyone computes
// from the same anchor timestamp. While stopped the stored duration is the
// remaining time itself.
func TimeLeft(t *board.Timer, now time.Time) int64 {
	if t == nil {
		return 0
	}
	if !t.IsRunning {
		return t.Duration
	}
	elapsed := (now.UnixMilli() - t.StartTimestamp) / 1000
	left := t.Duration - elapsed
	if left < 0 {
		return 0
	}
	return left
}

// RoomUpdater is what the coordinator needs from the room synchronizer.
type RoomUpdater interface {
	UpdateTimer(ctx context.Context, roomKey string, t board.Timer) error
}

// Tick is one local re-derivation of the countdown.
type Tick struct {
	State     State
	Remaining int64
}

// Coordinator runs one room's countdown: it consumes replicated timer
// records via Apply, re-derives remaining time at 1 Hz, and writes the
// idempotent terminal record when it is first to observe expiry.
type Coordinator struct {
	rooms   RoomUpdater
	clock   clockwork.Clock
	roomKey string

	mu          sync.Mutex
	cur         *board.Timer
	endedAnchor int64 // start timestamp already finalized by this client

	out chan Tick
}

func NewCoordinator(rooms RoomUpdater, clock clockwork.Clock, roomKey string) *Coordinator {
	return &Coordinator{
		rooms:   rooms,
		clock:   clock,
		roomKey: roomKey,
		out:     make(chan Tick, 1),
	}
}

// Ticks streams local countdown derivations, one per Apply and one per
// second while Run is active. Slow consumers only ever see the latest.
func (c *Coordinator) Ticks() <-chan Tick { return c.out }

// Apply feeds the latest replicated timer record and emits a fresh
// derivation immediately.
func (c *Coordinator) Apply(ctx context.Context, t *board.Timer) {
	c.mu.Lock()
	if t == nil {
		c.cur = nil
	} else {
		cp := *t
		c.cur = &cp
	}
	c.mu.Unlock()
	c.tick(ctx)
}

// Run re-derives the countdown at 1 Hz until ctx is cancelled. The ticker
// is released on teardown so no interval leaks across room navigation.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.tick(ctx)
		}
	}
}

// tick computes the current derivation, emits it, and performs the
// running→ended transition when expiry is first observed. The terminal
// write uses the same values on every observer, so near-simultaneous
// writers converge instead of diverging.
func (c *Coordinator) tick(ctx context.Context) {
	c.mu.Lock()
	cur := c.cur
	now := c.clock.Now()
	left := TimeLeft(cur, now)
	state := StateOf(cur)

	var finalize *board.Timer
	if cur != nil && cur.IsRunning && !cur.IsEnded && left == 0 && c.endedAnchor != cur.StartTimestamp {
		c.endedAnchor = cur.StartTimestamp
		finalize = &board.Timer{
			IsRunning:      false,
			StartTimestamp: cur.StartTimestamp,
			Duration:       0,
			IsEnded:        true,
		}
		state = StateEnded
	}
	c.mu.Unlock()

	if finalize != nil {
		if err := c.rooms.UpdateTimer(ctx, c.roomKey, *finalize); err != nil {
			log.Error().Err(err).Str("room", c.roomKey).Msg("failed to write timer expiry")
		} else {
			log.Info().Str("room", c.roomKey).Msg("countdown ended")
		}
	}

	push(c.out, Tick{State: state, Remaining: left})
}

// SetDuration configures the countdown to minutes*60 seconds, idle.
func (c *Coordinator) SetDuration(ctx context.Context, minutes int) error {
	return c.write(ctx, board.Timer{
		IsRunning:      false,
		StartTimestamp: c.clock.Now().UnixMilli(),
		Duration:       int64(minutes) * 60,
		IsEnded:        false,
	})
}

// Start anchors the countdown at now, preserving the configured duration.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil {
		return ErrNoTimer
	}
	return c.write(ctx, board.Timer{
		IsRunning:      true,
		StartTimestamp: c.clock.Now().UnixMilli(),
		Duration:       cur.Duration,
		IsEnded:        false,
	})
}

// Stop freezes the countdown, storing remaining seconds as the duration.
// Stopping enters the ended state rather than a distinct paused state,
// mirroring the replicated data model.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	cur := c.cur
	now := c.clock.Now()
	c.mu.Unlock()
	if cur == nil {
		return ErrNoTimer
	}
	return c.write(ctx, board.Timer{
		IsRunning:      false,
		StartTimestamp: cur.StartTimestamp,
		Duration:       TimeLeft(cur, now),
		IsEnded:        true,
	})
}

// Reset clears the countdown to zero, ended.
func (c *Coordinator) Reset(ctx context.Context) error {
	return c.write(ctx, board.Timer{
		IsRunning:      false,
		StartTimestamp: c.clock.Now().UnixMilli(),
		Duration:       0,
		IsEnded:        true,
	})
}

func (c *Coordinator) write(ctx context.Context, t board.Timer) error {
	if err := c.rooms.UpdateTimer(ctx, c.roomKey, t); err != nil {
		return err
	}
	// The store snapshot will come back around via Apply; advancing the
	// local record now keeps immediate follow-up commands coherent.
	c.mu.Lock()
	cp := t
	c.cur = &cp
	c.mu.Unlock()
	return nil
}

// push delivers the latest tick, dropping an undelivered stale one.
func push(out chan Tick, t Tick) {
	for {
		select {
		case out <- t:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}
