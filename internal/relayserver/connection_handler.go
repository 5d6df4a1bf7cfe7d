package relayserver

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/posrelay/internal/config"
	"github.com/cory-johannsen/posrelay/internal/observability"
	"github.com/cory-johannsen/posrelay/internal/relay/protocol"
	"github.com/cory-johannsen/posrelay/internal/relay/room"
	"github.com/cory-johannsen/posrelay/internal/relay/session"
)

// ConnState is the lifecycle state of one client connection.
type ConnState int

const (
	// StateConnected is a live connection outside any room.
	StateConnected ConnState = iota
	// StateInRoom is a live connection that has joined a room.
	StateInRoom
	// StateClosed is terminal.
	StateClosed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionHandler creates Connections and holds what they share.
type ConnectionHandler struct {
	cfg      config.RelayConfig
	registry *room.Registry
	logger   *zap.Logger
	metrics  *observability.Metrics
	newID    func() string
}

// NewConnectionHandler creates a ConnectionHandler.
//
// Precondition: cfg must be validated; registry, logger and metrics must be non-nil.
func NewConnectionHandler(cfg config.RelayConfig, registry *room.Registry, logger *zap.Logger, metrics *observability.Metrics) *ConnectionHandler {
	return &ConnectionHandler{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		newID:    session.NewID,
	}
}

// Registry returns the shared room registry.
func (h *ConnectionHandler) Registry() *room.Registry {
	return h.registry
}

// OutboxSize returns the configured per-session outbox capacity.
func (h *ConnectionHandler) OutboxSize() int {
	return h.cfg.OutboxSize
}

// Open creates the session for a new connection and queues its welcome frame.
//
// Precondition: outbox must be open.
// Postcondition: Returns a Connection in StateConnected.
func (h *ConnectionHandler) Open(outbox *session.Outbox) *Connection {
	spawn := h.cfg.Spawn
	sess := session.New(h.newID(), h.cfg.DefaultName, session.Pose{
		X:   spawn.X,
		Y:   spawn.Y,
		Z:   spawn.Z,
		Yaw: spawn.Yaw,
	}, outbox)

	c := &Connection{h: h, sess: sess, state: StateConnected}
	h.metrics.Sessions.Inc()
	c.send(protocol.TypeWelcome, protocol.NewWelcome(sess.ID()))
	return c
}

// Connection is the per-client state machine:
// StateConnected → StateInRoom → StateClosed.
//
// Handle and Close are expected from one goroutine (the transport reader);
// State may be called from anywhere.
type Connection struct {
	h    *ConnectionHandler
	sess *session.Session

	mu    sync.Mutex
	state ConnState
}

// Session returns the connection's session.
func (c *Connection) Session() *session.Session {
	return c.sess
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Handle processes one inbound frame. Malformed frames and unknown message
// types are dropped without a reply; nothing here closes the connection.
func (c *Connection) Handle(data []byte) {
	if c.State() == StateClosed {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.h.metrics.MessagesDiscarded.Inc()
		c.h.logger.Debug("discarding message",
			zap.String("session", c.sess.ID()),
			zap.Error(err),
		)
		return
	}

	switch msg.Type {
	case protocol.TypeJoin:
		c.handleJoin(msg)
	case protocol.TypeMe:
		c.handleMe(msg)
	}
}

func (c *Connection) handleJoin(msg protocol.Inbound) {
	roomID := protocol.Sanitize(msg.Room, c.h.cfg.MaxRoomLen)
	name := protocol.Sanitize(msg.Name, c.h.cfg.MaxNameLen)
	if name == "" {
		name = c.h.cfg.DefaultName
	}

	if roomID == "" {
		c.rejectJoin(roomID)
		return
	}

	// the name must be set before Join so the join snapshot carries it
	prevName := c.sess.Name()
	c.sess.SetName(name)
	if err := c.h.registry.Join(c.sess, roomID); err != nil {
		c.sess.SetName(prevName)
		if errors.Is(err, room.ErrInvalidRoom) {
			c.rejectJoin(roomID)
			return
		}
		c.h.logger.Error("joining room",
			zap.String("session", c.sess.ID()),
			zap.String("room", roomID),
			zap.Error(err),
		)
		return
	}
	c.setState(StateInRoom)
}

func (c *Connection) rejectJoin(roomID string) {
	c.h.metrics.JoinsRejected.Inc()
	c.h.logger.Debug("join rejected",
		zap.String("session", c.sess.ID()),
		zap.String("room", roomID),
	)
	c.send(protocol.TypeError, protocol.NewError(protocol.InvalidRoomMessage))
}

// handleMe applies a self-reported pose. The next tick carries it to the room.
func (c *Connection) handleMe(msg protocol.Inbound) {
	if c.State() != StateInRoom {
		return
	}
	c.sess.UpdatePose(session.Pose{
		X:   protocol.NumberOrZero(msg.X),
		Y:   protocol.NumberOrZero(msg.Y),
		Z:   protocol.NumberOrZero(msg.Z),
		Yaw: protocol.NumberOrZero(msg.Yaw),
	})
}

// Close leaves the current room, closes the outbox and marks the connection
// closed. Safe to call repeatedly.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasInRoom := c.state == StateInRoom
	c.state = StateClosed
	c.mu.Unlock()

	if wasInRoom {
		c.h.registry.Leave(c.sess)
	}
	c.sess.Outbox().Close()
	c.h.metrics.Sessions.Dec()
}

// send queues a frame addressed to this connection only.
func (c *Connection) send(typ string, msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.h.logger.Error("encoding message",
			zap.String("session", c.sess.ID()),
			zap.String("type", typ),
			zap.Error(err),
		)
		return
	}
	c.h.metrics.Delivered(typ, c.sess.Outbox().TrySend(frame))
}
