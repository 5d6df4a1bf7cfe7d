package websocket

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/posrelay/internal/config"
	"github.com/cory-johannsen/posrelay/internal/observability"
	"github.com/cory-johannsen/posrelay/internal/relay/session"
	"github.com/cory-johannsen/posrelay/internal/relayserver"
)

// Conn pumps frames between one websocket and its relay Connection.
// Only the write pump writes data frames; Shutdown uses WriteControl, which
// gorilla/websocket allows concurrently.
type Conn struct {
	ws     *websocket.Conn
	cfg    config.WebsocketConfig
	logger *zap.Logger
}

// NewConn wraps an upgraded websocket.
//
// Precondition: ws must be open; logger must be non-nil.
func NewConn(ws *websocket.Conn, cfg config.WebsocketConfig, logger *zap.Logger) *Conn {
	return &Conn{ws: ws, cfg: cfg, logger: logger}
}

// Serve runs the connection to completion: it opens a relay Connection, reads
// until the peer goes away or a read fails, then closes the relay Connection
// (leaving its room) and the socket.
//
// Postcondition: The socket is closed and the session released.
func (c *Conn) Serve(h *relayserver.ConnectionHandler) {
	outbox := session.NewOutbox(h.OutboxSize())
	rc := h.Open(outbox)
	logger := c.logger.With(observability.SessionFields(rc.Session().ID(), c.ws.RemoteAddr().String())...)
	start := time.Now()
	logger.Info("client connected")

	written := make(chan struct{})
	go func() {
		defer close(written)
		c.writePump(outbox, logger)
	}()

	c.readPump(rc, logger)

	rc.Close()
	<-written
	_ = c.ws.Close()

	logger.Info("client disconnected", zap.Duration("duration", time.Since(start)))
}

func (c *Conn) readPump(rc *relayserver.Connection, logger *zap.Logger) {
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("read error", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		rc.Handle(data)
	}
}

// writePump drains the outbox until it is closed. A write failure closes the
// socket so the read pump unblocks.
func (c *Conn) writePump(outbox *session.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-outbox.Frames():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("write error", zap.Error(err))
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// Shutdown asks the peer to go away and closes the socket, which ends Serve.
func (c *Conn) Shutdown() {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
	_ = c.ws.Close()
}
