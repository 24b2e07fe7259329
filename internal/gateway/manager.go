package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager manages WebSocket connections grouped by room key.
type ConnectionManager struct {
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage

	// onMessage dispatches an inbound client command.
	onMessage func(ctx context.Context, conn *Connection, raw []byte)
	// onDisconnect releases per-connection resources (heartbeat, session).
	onDisconnect func(conn *Connection)
}

// Connection represents one WebSocket client in one room.
type Connection struct {
	ID      string
	RoomKey string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// Identity is set by the join command and read by command handlers.
	identityMu    sync.RWMutex
	participantID string
	name          string
	isCreator     bool
	teardown      func()

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage represents an event to fan out to room connections.
type BroadcastMessage struct {
	RoomKey string
	Event   *Event
	Target  *Connection // if set, deliver only to this connection
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins; the board is unauthenticated by design.
			return true
		},
	}
}

// NewConnectionManager creates a connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start begins processing broadcast messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection
// bound to roomKey and starts its pumps.
func (cm *ConnectionManager) UpgradeConnection(ctx context.Context, w http.ResponseWriter, r *http.Request, roomKey string) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		RoomKey:     roomKey,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump(ctx)

	log.Info().
		Str("connection_id", connection.ID).
		Str("room", roomKey).
		Msg("WebSocket connection established")

	return connection, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.RoomKey] == nil {
		cm.roomConnections[conn.RoomKey] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomKey][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room", conn.RoomKey).
		Int("total_connections", len(cm.roomConnections[conn.RoomKey])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.roomConnections[conn.RoomKey]
	removed := false
	if exists {
		if _, ok := connections[conn]; ok {
			delete(connections, conn)
			close(conn.Send)
			removed = true
			if len(connections) == 0 {
				delete(cm.roomConnections, conn.RoomKey)
			}
		}
	}
	cm.mu.Unlock()

	if !removed {
		return
	}
	if cm.onDisconnect != nil {
		cm.onDisconnect(conn)
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("room", conn.RoomKey).
		Msg("connection unregistered")
}

// BroadcastToRoom sends an event to every connection in a room.
func (cm *ConnectionManager) BroadcastToRoom(roomKey string, event *Event) {
	select {
	case cm.broadcastCh <- BroadcastMessage{RoomKey: roomKey, Event: event}:
	default:
		log.Warn().Str("room", roomKey).Msg("broadcast channel full, dropping message")
	}
}

// SendToConnection sends an event to one connection.
func (cm *ConnectionManager) SendToConnection(conn *Connection, event *Event) {
	select {
	case cm.broadcastCh <- BroadcastMessage{RoomKey: conn.RoomKey, Event: event, Target: conn}:
	default:
		log.Warn().
			Str("room", conn.RoomKey).
			Str("connection_id", conn.ID).
			Msg("broadcast channel full, dropping direct message")
	}
}

// RoomConnectionCount reports active connections for a room.
func (cm *ConnectionManager) RoomConnectionCount(roomKey string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.roomConnections[roomKey])
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[message.RoomKey]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	var targets []*Connection
	for conn := range connections {
		if message.Target != nil && conn != message.Target {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- eventData:
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("room", message.RoomKey).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// SetIdentity records the participant behind this connection.
func (c *Connection) SetIdentity(participantID, name string, isCreator bool) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	c.participantID = participantID
	c.name = name
	c.isCreator = isCreator
}

// Identity returns the participant behind this connection; join reports
// whether a join command was processed.
func (c *Connection) Identity() (participantID, name string, isCreator, joined bool) {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.participantID, c.name, c.isCreator, c.participantID != ""
}

// SetCreator flips the connection's creator flag.
func (c *Connection) SetCreator(isCreator bool) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	c.isCreator = isCreator
}

// SetTeardown registers a cleanup func run when the connection drops.
func (c *Connection) SetTeardown(fn func()) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	prev := c.teardown
	c.teardown = func() {
		if prev != nil {
			prev()
		}
		fn()
	}
}

func (c *Connection) runTeardown() {
	c.identityMu.Lock()
	fn := c.teardown
	c.teardown = nil
	c.identityMu.Unlock()
	if fn != nil {
		fn()
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump(ctx context.Context) {
	defer func() {
		c.runTeardown()
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.Manager.onMessage != nil {
			c.Manager.onMessage(ctx, c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
