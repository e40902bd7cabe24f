// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/matrix-ingest/lib/netutil"
	"github.com/bureau-foundation/matrix-ingest/lib/version"
)

const (
	// websocketWriteWait bounds one frame write.
	websocketWriteWait = 10 * time.Second

	// websocketReadLimit caps frames from the consumer, which only
	// ever sends control frames.
	websocketReadLimit = 4096
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("bus: transport closed")

// WebSocketFrame is one text frame on the websocket bus.
type WebSocketFrame struct {
	Subject string   `json:"subject"`
	Event   Envelope `json:"event"`
}

// WebSocketConfig configures a WebSocketTransport.
type WebSocketConfig struct {
	URL string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

// WebSocketTransport writes envelopes as JSON text frames. It dials on
// first use and redials on the next Send after a failure.
type WebSocketTransport struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a WebSocketTransport. It does not
// connect.
func NewWebSocketTransport(config WebSocketConfig) (*WebSocketTransport, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("bus: websocket URL is required")
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &WebSocketTransport{url: config.URL, dialer: config.Dialer, logger: config.Logger}, nil
}

// Send writes one frame.
func (t *WebSocketTransport) Send(ctx context.Context, subject string, envelope Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	conn, err := t.connectLocked(ctx)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(websocketWriteWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(WebSocketFrame{Subject: subject, Event: envelope}); err != nil {
		t.dropLocked(conn)
		return fmt.Errorf("bus: websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	conn := t.conn
	t.conn = nil
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return conn.Close()
}

func (t *WebSocketTransport) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	conn, response, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("bus: dialing %s: %w (HTTP %d)", t.url, err, response.StatusCode)
		}
		return nil, fmt.Errorf("bus: dialing %s: %w", t.url, err)
	}
	conn.SetReadLimit(websocketReadLimit)
	t.conn = conn
	t.logger.Info("websocket bus connected", "url", t.url)
	go t.readPump(conn)
	return conn, nil
}

// readPump consumes inbound frames so control frames (ping, close) are
// processed. A read error means the connection is gone.
func (t *WebSocketTransport) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !netutil.IsExpectedCloseError(err) {
				t.logger.Warn("websocket bus disconnected", "url", t.url, "error", err)
			}
			t.mu.Lock()
			t.dropLocked(conn)
			t.mu.Unlock()
			return
		}
	}
}

// dropLocked forgets conn if it is still current.
func (t *WebSocketTransport) dropLocked(conn *websocket.Conn) {
	if t.conn == conn {
		t.conn = nil
	}
	conn.Close()
}
