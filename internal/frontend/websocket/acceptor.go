// Package websocket serves relay clients over websockets and exposes the
// operational HTTP endpoints beside them.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/posrelay/internal/config"
	"github.com/cory-johannsen/posrelay/internal/observability"
	"github.com/cory-johannsen/posrelay/internal/relayserver"
)

// Acceptor listens for HTTP connections, upgrades the websocket route and
// hands each client to the relay ConnectionHandler.
type Acceptor struct {
	serverCfg config.ServerConfig
	wsCfg     config.WebsocketConfig
	handler   *relayserver.ConnectionHandler
	metrics   *observability.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
	conns    map[*Conn]struct{}
}

// NewAcceptor creates a websocket acceptor.
//
// Precondition: configs must be validated; handler, metrics and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(serverCfg config.ServerConfig, wsCfg config.WebsocketConfig, handler *relayserver.ConnectionHandler, metrics *observability.Metrics, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		serverCfg: serverCfg,
		wsCfg:     wsCfg,
		handler:   handler,
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
	a.server = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: serverCfg.ReadHeaderTimeout,
	}
	return a
}

// Router returns the HTTP routes: the websocket endpoint, /healthz, /stats and /metrics.
func (a *Acceptor) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(a.wsCfg.Path, a.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.serveHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", a.serveStats).Methods(http.MethodGet)
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// ListenAndServe binds the configured address and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running. An acceptor that has
// been stopped returns immediately.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.serverCfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.serverCfg.Addr(), err)
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.wsCfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (a *Acceptor) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := NewConn(ws, a.wsCfg, a.logger)
	if !a.track(conn) {
		conn.Shutdown()
		return
	}
	defer a.untrack(conn)

	conn.Serve(a.handler)
}

// track registers a live connection; it refuses once Stop has begun.
func (a *Acceptor) track(c *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return false
	}
	a.conns[c] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(c *Conn) {
	a.mu.Lock()
	delete(a.conns, c)
	a.mu.Unlock()
	a.wg.Done()
}

func (a *Acceptor) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *Acceptor) serveStats(w http.ResponseWriter, _ *http.Request) {
	rooms, members := a.handler.Registry().Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"rooms":       rooms,
		"members":     members,
		"connections": a.Connections(),
	})
}

// Stop closes the listener and every live websocket, then waits for their
// sessions to be released.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	a.stopped = true
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	conns := make([]*Conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	_ = a.server.Close()
	for _, c := range conns {
		c.Shutdown()
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped", zap.Int("closed_connections", len(conns)))
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Connections returns the number of live websocket clients.
func (a *Acceptor) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}
