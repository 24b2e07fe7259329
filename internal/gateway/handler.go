package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/retroboard/internal/cards"
	"github.com/mcdev12/retroboard/internal/presence"
	"github.com/mcdev12/retroboard/internal/room"
	"github.com/mcdev12/retroboard/internal/store"
	"github.com/mcdev12/retroboard/internal/timer"
)

// Gateway bridges WebSocket clients to the shared store: one room session
// per active room runs the synchronizers, connections carry participant
// identity and submit commands.
type Gateway struct {
	store   store.Store
	clock   clockwork.Clock
	rooms   *room.Synchronizer
	ledger  *cards.Ledger
	tracker *presence.Tracker
	manager *ConnectionManager

	baseCtx context.Context

	sessMu   sync.Mutex
	sessions map[string]*roomSession
}

// New wires a gateway over the given store backend. ctx bounds the
// lifetime of every room session and heartbeat the gateway starts; it
// must be set here, before the HTTP server accepts connections.
func New(ctx context.Context, st store.Store, clock clockwork.Clock, presenceCfg presence.Config) *Gateway {
	gw := &Gateway{
		store:    st,
		clock:    clock,
		rooms:    room.NewSynchronizer(st, clock),
		ledger:   cards.NewLedger(st, clock),
		tracker:  presence.NewTracker(st, clock, presenceCfg),
		manager:  NewConnectionManager(DefaultConnectionConfig()),
		baseCtx:  ctx,
		sessions: make(map[string]*roomSession),
	}
	gw.manager.onMessage = gw.dispatch
	gw.manager.onDisconnect = gw.handleDisconnect
	return gw
}

// Start runs the broadcast loop until the gateway's context is
// cancelled. Events queued before Start runs are delivered once it does.
func (g *Gateway) Start() {
	g.manager.Start(g.baseCtx)
}

// Handler returns the HTTP surface: the WebSocket endpoint plus a health
// probe, CORS-wrapped.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{room}", g.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	// Room keys are opaque; trimming whitespace is the only normalization.
	roomKey := strings.TrimSpace(r.PathValue("room"))
	if roomKey == "" {
		http.Error(w, "missing room key", http.StatusBadRequest)
		return
	}

	sess, err := g.acquireSession(roomKey)
	if err != nil {
		log.Error().Err(err).Str("room", roomKey).Msg("failed to start room session")
		http.Error(w, "failed to join room", http.StatusInternalServerError)
		return
	}

	conn, err := g.manager.UpgradeConnection(g.baseCtx, w, r, roomKey)
	if err != nil {
		g.releaseSession(roomKey)
		return
	}
	sess.sendInitialState(conn)
}

func (g *Gateway) handleDisconnect(conn *Connection) {
	g.releaseSession(conn.RoomKey)
}

func (g *Gateway) acquireSession(roomKey string) (*roomSession, error) {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	if sess, ok := g.sessions[roomKey]; ok {
		sess.refs++
		return sess, nil
	}
	sess, err := newRoomSession(g.baseCtx, g, roomKey)
	if err != nil {
		return nil, err
	}
	sess.refs = 1
	g.sessions[roomKey] = sess
	return sess, nil
}

func (g *Gateway) releaseSession(roomKey string) {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	sess, ok := g.sessions[roomKey]
	if !ok {
		return
	}
	sess.refs--
	if sess.refs <= 0 {
		delete(g.sessions, roomKey)
		sess.stop()
	}
}

func (g *Gateway) session(roomKey string) *roomSession {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	return g.sessions[roomKey]
}

// dispatch routes one inbound client command.
func (g *Gateway) dispatch(ctx context.Context, conn *Connection, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		g.sendError(conn, "", "malformed command")
		return
	}

	sess := g.session(conn.RoomKey)
	if sess == nil {
		g.sendError(conn, string(cmd.Type), "room session not running")
		return
	}

	var err error
	switch cmd.Type {
	case CommandJoin:
		err = g.handleJoin(ctx, conn, sess, cmd.Data)
	case CommandAddCard:
		err = g.handleAddCard(ctx, conn, sess, cmd.Data)
	case CommandUpdateCard:
		err = g.handleUpdateCard(ctx, conn, sess, cmd.Data)
	case CommandDeleteCard:
		err = g.handleDeleteCard(ctx, conn, sess, cmd.Data)
	case CommandToggleVote:
		err = g.handleToggleVote(ctx, conn, sess, cmd.Data)
	case CommandRenameRoom:
		err = g.handleRenameRoom(ctx, conn, cmd.Data)
	case CommandUpdateSettings:
		err = g.handleUpdateSettings(ctx, conn, cmd.Data)
	case CommandUpdateCustomFields:
		err = g.handleUpdateCustomFields(ctx, conn, cmd.Data)
	case CommandClaimCreator:
		err = g.handleClaimCreator(ctx, conn)
	case CommandTimerSet:
		var payload TimerSetPayload
		if err = json.Unmarshal(cmd.Data, &payload); err == nil {
			err = sess.coord.SetDuration(ctx, payload.Minutes)
		}
	case CommandTimerStart:
		err = sess.coord.Start(ctx)
	case CommandTimerStop:
		err = sess.coord.Stop(ctx)
	case CommandTimerReset:
		err = sess.coord.Reset(ctx)
	default:
		log.Warn().Str("command", string(cmd.Type)).Str("connection_id", conn.ID).Msg("unknown command, ignoring")
		return
	}

	if err != nil {
		log.Warn().Err(err).Str("command", string(cmd.Type)).Str("connection_id", conn.ID).Msg("command rejected")
		g.sendError(conn, string(cmd.Type), err.Error())
	}
}

func (g *Gateway) handleJoin(ctx context.Context, conn *Connection, sess *roomSession, data json.RawMessage) error {
	var payload JoinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.New("malformed join payload")
	}
	if payload.ParticipantID == "" {
		return errors.New("participant id is required")
	}
	name := strings.TrimSpace(payload.Name)

	isCreator := false
	if r := sess.latestRoom(); r != nil {
		switch {
		case r.CreatorID == payload.ParticipantID:
			isCreator = true
		case r.CreatorID == "" && name != "":
			// First named participant in a creator-less room claims it.
			// The claim is racy by design; the room snapshot settles it.
			if err := g.rooms.ClaimCreator(ctx, conn.RoomKey, payload.ParticipantID); err != nil {
				log.Error().Err(err).Str("room", conn.RoomKey).Msg("creator claim failed")
			} else {
				isCreator = true
			}
		}
	}

	conn.SetIdentity(payload.ParticipantID, name, isCreator)

	if err := g.tracker.Join(ctx, conn.RoomKey, payload.ParticipantID, name, isCreator); err != nil {
		return err
	}
	stop := g.tracker.StartHeartbeat(g.baseCtx, conn.RoomKey, payload.ParticipantID, name, isCreator)
	conn.SetTeardown(stop)

	evt, err := NewEvent(EventTypeJoined, conn.RoomKey, JoinedPayload{
		ParticipantID: payload.ParticipantID,
		IsCreator:     isCreator,
	})
	if err != nil {
		return err
	}
	g.manager.SendToConnection(conn, evt)
	return nil
}

func (g *Gateway) handleAddCard(ctx context.Context, conn *Connection, sess *roomSession, data json.RawMessage) error {
	pid, name, _, joined := conn.Identity()
	if !joined {
		return errors.New("join before adding cards")
	}

	var payload AddCardPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.New("malformed add_card payload")
	}

	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return errors.New("card text must not be empty")
	}
	if payload.Category == "" {
		return errors.New("card category is required")
	}

	if r := sess.latestRoom(); r != nil {
		if name == "" && !r.Settings.AllowAnonymousCards {
			return errors.New("anonymous cards are disabled in this room")
		}
		for _, field := range r.CustomFields {
			if field.Required && strings.TrimSpace(payload.CustomFields[field.Name]) == "" {
				return errors.New("missing required field: " + field.Name)
			}
		}
	}

	author := name
	if author == "" {
		author = "Anonymous"
	}

	_, err := g.ledger.AddCard(ctx, conn.RoomKey, text, author, pid, payload.Category, payload.CustomFields)
	return err
}

func (g *Gateway) handleUpdateCard(ctx context.Context, conn *Connection, sess *roomSession, data json.RawMessage) error {
	pid, _, isCreator, joined := conn.Identity()
	if !joined {
		return errors.New("join before editing cards")
	}

	var payload UpdateCardPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.New("malformed update_card payload")
	}

	card, ok := sess.cardByID(payload.CardID)
	if !ok {
		return errors.New("unknown card")
	}
	if card.AuthorID != pid && !isCreator {
		return errors.New("only the author may edit a card")
	}

	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return errors.New("card text must not be empty")
	}

	fields := map[string]any{"text": text}
	if payload.Category != "" {
		fields["category"] = payload.Category
	}
	if payload.CustomFields != nil {
		fields["customFields"] = payload.CustomFields
	}
	return g.ledger.UpdateCard(ctx, conn.RoomKey, payload.CardID, fields)
}

func (g *Gateway) handleDeleteCard(ctx context.Context, conn *Connection, sess *roomSession, data json.RawMessage) error {
	pid, _, isCreator, joined := conn.Identity()
	if !joined {
		return errors.New("join before deleting cards")
	}

	var payload DeleteCardPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.New("malformed delete_card payload")
	}

	card, ok := sess.cardByID(payload.CardID)
	if !ok {
		return errors.New("unknown card")
	}
	if card.AuthorID != pid && !isCreator {
		return errors.New("only the author or room creator may delete a card")
	}
	return g.ledger.SoftDelete(ctx, conn.RoomKey, payload.CardID)
}

func (g *Gateway) handleToggleVote(ctx context.Context, conn *Connection, sess *roomSession, data json.RawMessage) error {
	pid, _, _, joined := conn.Identity()
	if !joined {
		return errors.New("join before voting")
	}

	var payload ToggleVotePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.New("malformed toggle_vote payload")
	}

	if r := sess.latestRoom(); r != nil && r.Settings.ShowTimerVoting {
		if timer.StateOf(r.Timer) != timer.StateRunning {
			return errors.New("voting is only open while the countdown runs")
		}
	}

	err := g.ledger.ToggleVote(ctx, conn.RoomKey, payload.CardID, pid, payload.Upvote)
	if errors.Is(err, cards.ErrUnknownCard) {
		return errors.New("unknown card")
	}
	return err
}

func (g *Gateway) handleRenameRoom(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var payload RenameRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.New("malformed rename_room payload")
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		return errors.New("room name must not be empty")
	}
	return g.rooms.Rename(ctx, conn.RoomKey, name)
}

func (g *Gateway) handleUpdateSettings(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var payload UpdateSettingsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.New("malformed update_settings payload")
	}
	return g.rooms.UpdateSettings(ctx, conn.RoomKey, payload.Settings)
}

func (g *Gateway) handleUpdateCustomFields(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var payload UpdateCustomFieldsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.New("malformed update_custom_fields payload")
	}
	return g.rooms.UpdateCustomFields(ctx, conn.RoomKey, payload.CustomFields)
}

func (g *Gateway) handleClaimCreator(ctx context.Context, conn *Connection) error {
	pid, _, _, joined := conn.Identity()
	if !joined {
		return errors.New("join before claiming creator")
	}
	if err := g.rooms.ClaimCreator(ctx, conn.RoomKey, pid); err != nil {
		return err
	}
	conn.SetCreator(true)
	evt, err := NewEvent(EventTypeJoined, conn.RoomKey, JoinedPayload{ParticipantID: pid, IsCreator: true})
	if err != nil {
		return err
	}
	g.manager.SendToConnection(conn, evt)
	return nil
}

func (g *Gateway) sendError(conn *Connection, command, message string) {
	evt, err := NewEvent(EventTypeError, conn.RoomKey, ErrorPayload{Command: command, Message: message})
	if err != nil {
		return
	}
	g.manager.SendToConnection(conn, evt)
}
