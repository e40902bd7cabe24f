// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
	"github.com/bureau-foundation/matrix-ingest/lib/codec"
	"github.com/bureau-foundation/matrix-ingest/lib/testutil"
)

// listenFrames accepts connections on a Unix socket and forwards every
// decoded frame.
func listenFrames(t *testing.T) (string, <-chan SocketFrame, <-chan net.Conn) {
	t.Helper()
	path := filepath.Join(testutil.SocketDir(t), "bus.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	frames := make(chan SocketFrame, 16)
	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conns <- conn
			go func() {
				defer conn.Close()
				decoder := codec.NewDecoder(conn)
				for {
					var frame SocketFrame
					if err := decoder.Decode(&frame); err != nil {
						return
					}
					frames <- frame
				}
			}()
		}
	}()
	return path, frames, conns
}

func newTestSocketTransport(t *testing.T, path string, compression Compression) *SocketTransport {
	t.Helper()
	transport, err := NewSocketTransport(SocketConfig{
		Path:                 path,
		Compression:          compression,
		CompressionThreshold: 256,
		Logger:               testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSocketTransport: %v", err)
	}
	t.Cleanup(func() { transport.Close() })
	return transport
}

func TestSocketTransportSmallFrameUncompressed(t *testing.T) {
	path, frames, _ := listenFrames(t)
	transport := newTestSocketTransport(t, path, CompressionZstd)

	if err := transport.Send(context.Background(), "matrix.message", Flatten(testEvent(canonical.TypeMessage))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame := testutil.RequireReceive(t, frames, 5*time.Second, "waiting for frame")
	if frame.Subject != "matrix.message" {
		t.Errorf("subject = %q", frame.Subject)
	}
	if frame.Compression != CompressionNone {
		t.Errorf("small frame compressed with %s", frame.Compression)
	}
	envelope, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if envelope.Body != "hello" || envelope.EventID != "$event-1" {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestSocketTransportCompressesLargeFrames(t *testing.T) {
	for _, compression := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			path, frames, _ := listenFrames(t)
			transport := newTestSocketTransport(t, path, compression)

			event := testEvent(canonical.TypeMessage)
			event.Content.Body = strings.Repeat("all work and no play ", 200)
			if err := transport.Send(context.Background(), "matrix.message", Flatten(event)); err != nil {
				t.Fatalf("Send: %v", err)
			}
			frame := testutil.RequireReceive(t, frames, 5*time.Second, "waiting for frame")
			if frame.Compression != compression {
				t.Errorf("compression = %s, want %s", frame.Compression, compression)
			}
			if len(frame.Body) >= frame.Size {
				t.Errorf("wire body %d bytes is not smaller than %d", len(frame.Body), frame.Size)
			}
			envelope, err := DecodeFrame(frame)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if envelope.Body != event.Content.Body {
				t.Error("body changed in transit")
			}
		})
	}
}

func TestSocketTransportReconnects(t *testing.T) {
	path, frames, conns := listenFrames(t)
	transport := newTestSocketTransport(t, path, CompressionNone)
	envelope := Flatten(testEvent(canonical.TypeMessage))

	if err := transport.Send(context.Background(), "matrix.message", envelope); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	testutil.RequireReceive(t, frames, 5*time.Second, "waiting for first frame")
	first := testutil.RequireReceive(t, conns, 5*time.Second, "waiting for first connection")
	first.Close()

	// Writes to a closed peer can take a few attempts to fail; the
	// transport must come back on its own within a bounded number.
	var delivered bool
	for range 20 {
		if err := transport.Send(context.Background(), "matrix.message", envelope); err != nil {
			continue
		}
		select {
		case <-frames:
			delivered = true
		case <-time.After(100 * time.Millisecond):
		}
		if delivered {
			break
		}
	}
	if !delivered {
		t.Fatal("no frame delivered after the consumer dropped the connection")
	}
	testutil.RequireReceive(t, conns, 5*time.Second, "waiting for second connection")
}

func TestSocketTransportClosed(t *testing.T) {
	path, _, _ := listenFrames(t)
	transport := newTestSocketTransport(t, path, CompressionNone)
	transport.Close()
	if err := transport.Send(context.Background(), "matrix.message", Envelope{}); err != ErrClosed {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestSocketTransportDialFailure(t *testing.T) {
	transport := newTestSocketTransport(t, filepath.Join(testutil.SocketDir(t), "missing.sock"), CompressionNone)
	if err := transport.Send(context.Background(), "matrix.message", Envelope{}); err == nil {
		t.Fatal("Send succeeded without a listener")
	}
}
