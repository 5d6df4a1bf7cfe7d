// Package testutil provides test client utilities for integration testing
// against a running relay.
package testutil

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a simple websocket test client speaking the relay's JSON messages.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials the given ws:// URL and returns a test client.
//
// Precondition: url must point at a listening relay websocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Read returns the next message decoded as a generic object, or fails on timeout.
func (c *WSClient) Read(timeout time.Duration) map[string]any {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading message: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("decoding %q: %v", data, err)
	}
	return msg
}

// ReadType reads messages until one has the given "t" value, skipping others.
//
// Postcondition: Returns the matching message, or fails on timeout.
func (c *WSClient) ReadType(typ string, timeout time.Duration) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no %q message within %s", typ, timeout)
		}
		msg := c.Read(remaining)
		if msg["t"] == typ {
			return msg
		}
	}
}

// ReadMatching reads messages until match returns true, skipping others.
func (c *WSClient) ReadMatching(match func(map[string]any) bool, timeout time.Duration) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no matching message within %s", timeout)
		}
		msg := c.Read(remaining)
		if match(msg) {
			return msg
		}
	}
}

// Send encodes v as JSON and writes it as a text frame.
func (c *WSClient) Send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("encoding %v: %v", v, err)
	}
	c.SendRaw(string(data))
}

// SendRaw writes text as-is as a text frame.
func (c *WSClient) SendRaw(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// Close sends a normal close frame and closes the connection.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.conn.Close()
}

// Drop closes the TCP connection without a close handshake.
func (c *WSClient) Drop() {
	c.conn.Close()
}

// ExpectClosed reports whether the server closes the connection within timeout.
// Messages queued before the close are discarded.
func (c *WSClient) ExpectClosed(timeout time.Duration) bool {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return false
			}
			return true
		}
	}
}
