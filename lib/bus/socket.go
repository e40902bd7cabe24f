// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/codec"
	"github.com/bureau-foundation/matrix-ingest/lib/netutil"
)

const (
	socketDialTimeout = 5 * time.Second
	socketWriteWait   = 10 * time.Second
)

// SocketFrame is one CBOR value on the socket bus. Body is the
// CBOR-encoded Envelope, compressed as Compression says; Size is its
// uncompressed length.
type SocketFrame struct {
	Subject     string      `cbor:"subject"`
	Compression Compression `cbor:"compression"`
	Size        int         `cbor:"size"`
	Body        []byte      `cbor:"body"`
}

// EncodeFrame builds the frame for envelope. Bodies of at least
// threshold bytes are compressed unless compression would not shrink
// them.
func EncodeFrame(subject string, envelope Envelope, compression Compression, threshold int) (SocketFrame, error) {
	body, err := codec.Marshal(envelope)
	if err != nil {
		return SocketFrame{}, fmt.Errorf("bus: encoding envelope: %w", err)
	}
	frame := SocketFrame{Subject: subject, Compression: CompressionNone, Size: len(body), Body: body}
	if compression == CompressionNone || len(body) < threshold {
		return frame, nil
	}
	compressed, err := compress(body, compression)
	if errors.Is(err, errIncompressible) {
		return frame, nil
	}
	if err != nil {
		return SocketFrame{}, err
	}
	frame.Compression = compression
	frame.Body = compressed
	return frame, nil
}

// DecodeFrame returns the envelope a frame carries.
func DecodeFrame(frame SocketFrame) (Envelope, error) {
	body, err := decompress(frame.Body, frame.Compression, frame.Size)
	if err != nil {
		return Envelope{}, err
	}
	var envelope Envelope
	if err := codec.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("bus: decoding envelope: %w", err)
	}
	return envelope, nil
}

// SocketConfig configures a SocketTransport.
type SocketConfig struct {
	Path string

	Compression Compression

	// CompressionThreshold defaults to 1024 bytes.
	CompressionThreshold int

	Logger *slog.Logger
}

// SocketTransport streams frames over one Unix socket connection. It
// connects on first use and reconnects on the next Send after a
// failure.
type SocketTransport struct {
	path        string
	compression Compression
	threshold   int
	logger      *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	encoder *codec.Encoder
	closed  bool
}

var _ Transport = (*SocketTransport)(nil)

// NewSocketTransport creates a SocketTransport. It does not connect.
func NewSocketTransport(config SocketConfig) (*SocketTransport, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("bus: socket path is required")
	}
	if config.CompressionThreshold <= 0 {
		config.CompressionThreshold = 1024
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &SocketTransport{
		path:        config.Path,
		compression: config.Compression,
		threshold:   config.CompressionThreshold,
		logger:      config.Logger,
	}, nil
}

// Send writes one frame.
func (t *SocketTransport) Send(ctx context.Context, subject string, envelope Envelope) error {
	frame, err := EncodeFrame(subject, envelope, t.compression, t.threshold)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := t.connectLocked(ctx); err != nil {
		return err
	}
	deadline := time.Now().Add(socketWriteWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.encoder.Encode(frame); err != nil {
		t.dropLocked()
		if netutil.IsExpectedCloseError(err) {
			t.logger.Info("socket bus peer disconnected; reconnecting on next send", "path", t.path)
		}
		return fmt.Errorf("bus: socket write: %w", err)
	}
	t.logger.Debug("socket frame written",
		"subject", subject,
		"compression", frame.Compression.String(),
		"size", frame.Size,
		"wire_size", len(frame.Body),
	)
	return nil
}

// Close closes the connection.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.encoder = nil
	return err
}

func (t *SocketTransport) connectLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: socketDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", t.path)
	if err != nil {
		return fmt.Errorf("bus: connecting to %s: %w", t.path, err)
	}
	t.conn = conn
	t.encoder = codec.NewEncoder(conn)
	t.logger.Info("socket bus connected", "path", t.path, "compression", t.compression.String())
	return nil
}

func (t *SocketTransport) dropLocked() {
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = nil
	t.encoder = nil
}
