package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/board"
	"github.com/mcdev12/retroboard/internal/timer"
)

// roomSession runs the four synchronizers for one room and fans their
// snapshots out to every connection in that room. Sessions are
// refcounted: the first connection starts one, the last tears it down,
// releasing all subscriptions and tickers.
type roomSession struct {
	roomKey string
	gw      *Gateway
	coord   *timer.Coordinator
	cancel  context.CancelFunc

	mu           sync.RWMutex
	room         *board.Room
	cards        map[string]board.Card
	lastCards    []board.Card
	participants []board.Participant
	refs         int

	cardsMu     sync.Mutex
	cardsCancel context.CancelFunc
	sortBy      board.SortKey
	sortOrder   board.SortOrder
}

func newRoomSession(parent context.Context, gw *Gateway, roomKey string) (*roomSession, error) {
	ctx, cancel := context.WithCancel(parent)
	rs := &roomSession{
		roomKey: roomKey,
		gw:      gw,
		coord:   timer.NewCoordinator(gw.rooms, gw.clock, roomKey),
		cancel:  cancel,
		cards:   make(map[string]board.Card),
	}

	roomCh, stopRoom, err := gw.rooms.Observe(ctx, roomKey)
	if err != nil {
		cancel()
		return nil, err
	}

	// Subscriptions are bound to ctx; cancel tears them down with the session.
	participantCh, _, err := gw.tracker.Observe(ctx, roomKey)
	if err != nil {
		stopRoom()
		cancel()
		return nil, err
	}

	go rs.roomLoop(ctx, roomCh)
	go rs.participantLoop(participantCh)
	go rs.coord.Run(ctx)
	go rs.tickLoop(ctx)

	defaults := board.DefaultSettings()
	rs.observeCards(ctx, defaults.SortBy, defaults.SortOrder)

	log.Info().Str("room", roomKey).Msg("room session started")
	return rs, nil
}

func (rs *roomSession) roomLoop(ctx context.Context, roomCh <-chan board.Room) {
	for room := range roomCh {
		rs.mu.Lock()
		cp := room
		rs.room = &cp
		rs.mu.Unlock()

		rs.broadcast(EventTypeRoomState, room)
		rs.coord.Apply(ctx, room.Timer)
		rs.observeCards(ctx, room.Settings.SortBy, room.Settings.SortOrder)
	}
}

// observeCards (re)subscribes the card stream whenever the sort
// parameters change.
func (rs *roomSession) observeCards(ctx context.Context, sortBy board.SortKey, sortOrder board.SortOrder) {
	rs.cardsMu.Lock()
	defer rs.cardsMu.Unlock()

	if rs.cardsCancel != nil && rs.sortBy == sortBy && rs.sortOrder == sortOrder {
		return
	}
	if rs.cardsCancel != nil {
		rs.cardsCancel()
	}

	cardsCtx, cancel := context.WithCancel(ctx)
	cardsCh, stop, err := rs.gw.ledger.Observe(cardsCtx, rs.roomKey, sortBy, sortOrder)
	if err != nil {
		cancel()
		log.Error().Err(err).Str("room", rs.roomKey).Msg("failed to observe cards")
		return
	}

	rs.cardsCancel = func() {
		stop()
		cancel()
	}
	rs.sortBy = sortBy
	rs.sortOrder = sortOrder

	go func() {
		for cards := range cardsCh {
			rs.mu.Lock()
			for _, c := range cards {
				rs.cards[c.ID] = c
			}
			rs.lastCards = cards
			rs.mu.Unlock()
			rs.broadcast(EventTypeCards, CardsPayload{Cards: cards})
		}
	}()
}

func (rs *roomSession) participantLoop(participantCh <-chan []board.Participant) {
	for participants := range participantCh {
		rs.mu.Lock()
		rs.participants = participants
		rs.mu.Unlock()
		rs.broadcast(EventTypeParticipants, ParticipantsPayload{
			Participants: participants,
			ActiveCount:  len(rs.gw.tracker.Active(participants)),
			WindowSec:    int64(rs.gw.tracker.ActiveWindow().Seconds()),
		})
	}
}

func (rs *roomSession) tickLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-rs.coord.Ticks():
			rs.broadcast(EventTypeTimerTick, TimerTickPayload{
				State:        tick.State,
				RemainingSec: tick.Remaining,
			})
		}
	}
}

func (rs *roomSession) broadcast(eventType EventType, payload any) {
	evt, err := NewEvent(eventType, rs.roomKey, payload)
	if err != nil {
		log.Error().Err(err).Str("room", rs.roomKey).Str("event_type", string(eventType)).Msg("failed to build event")
		return
	}
	rs.gw.manager.BroadcastToRoom(rs.roomKey, evt)
}

// sendInitialState replays the last observed room, card, and participant
// snapshots to one connection, so late joiners see current state without
// waiting for the next store change.
func (rs *roomSession) sendInitialState(conn *Connection) {
	rs.mu.RLock()
	room := rs.room
	cards := rs.lastCards
	participants := rs.participants
	rs.mu.RUnlock()

	send := func(eventType EventType, payload any) {
		evt, err := NewEvent(eventType, rs.roomKey, payload)
		if err != nil {
			log.Error().Err(err).Str("room", rs.roomKey).Str("event_type", string(eventType)).Msg("failed to build event")
			return
		}
		rs.gw.manager.SendToConnection(conn, evt)
	}

	if room != nil {
		send(EventTypeRoomState, *room)
	}
	if cards != nil {
		send(EventTypeCards, CardsPayload{Cards: cards})
	}
	if participants != nil {
		send(EventTypeParticipants, ParticipantsPayload{
			Participants: participants,
			ActiveCount:  len(rs.gw.tracker.Active(participants)),
			WindowSec:    int64(rs.gw.tracker.ActiveWindow().Seconds()),
		})
	}
}

// latestRoom returns the last observed room snapshot, if any.
func (rs *roomSession) latestRoom() *board.Room {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.room == nil {
		return nil
	}
	cp := *rs.room
	return &cp
}

// cardByID returns the last observed state of a visible card.
func (rs *roomSession) cardByID(cardID string) (board.Card, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	c, ok := rs.cards[cardID]
	return c, ok
}

func (rs *roomSession) stop() {
	rs.cardsMu.Lock()
	if rs.cardsCancel != nil {
		rs.cardsCancel()
		rs.cardsCancel = nil
	}
	rs.cardsMu.Unlock()
	rs.cancel()
	log.Info().Str("room", rs.roomKey).Msg("room session stopped")
}
