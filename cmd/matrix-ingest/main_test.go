// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/matrix-ingest/lib/bus"
	"github.com/bureau-foundation/matrix-ingest/lib/config"
	"github.com/bureau-foundation/matrix-ingest/lib/e2ee"
	"github.com/bureau-foundation/matrix-ingest/lib/ref"
	"github.com/bureau-foundation/matrix-ingest/lib/secret"
	"github.com/bureau-foundation/matrix-ingest/messaging"
)

var (
	testUser   = ref.MustParseUserID("@ingest:local")
	testDevice = ref.MustParseDeviceID("INGEST")
)

func testEngine(t *testing.T, backend e2ee.Backend) *e2ee.Engine {
	t.Helper()
	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	token, err := secret.NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { token.Close() })
	engine, err := e2ee.NewEngine(e2ee.EngineConfig{
		Session: client.SessionFromToken(testUser, testDevice, token),
		Backend: backend,
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	return engine
}

func TestOpenTransport(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	transport, err := openTransport(config.BusConfig{Transport: "none"}, logger)
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if _, ok := transport.(bus.Discard); !ok {
		t.Errorf("none transport = %T, want bus.Discard", transport)
	}

	transport, err = openTransport(config.BusConfig{
		Transport:   "socket",
		SocketPath:  filepath.Join(t.TempDir(), "bus.sock"),
		Compression: "lz4",
	}, logger)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if _, ok := transport.(*bus.SocketTransport); !ok {
		t.Errorf("socket transport = %T, want *bus.SocketTransport", transport)
	}
	transport.Close()

	if _, err := openTransport(config.BusConfig{Transport: "socket", SocketPath: "x", Compression: "brotli"}, logger); err == nil {
		t.Error("unknown compression accepted")
	}
	if _, err := openTransport(config.BusConfig{Transport: "carrier-pigeon"}, logger); err == nil {
		t.Error("unknown transport accepted")
	}
}

func TestOpenStoreRejectsMissingDSN(t *testing.T) {
	t.Setenv("MATRIX_INGEST_TEST_DSN", "")
	_, err := openStore(config.StoreConfig{Driver: "postgres", DSNEnv: "MATRIX_INGEST_TEST_DSN"}, slog.New(slog.DiscardHandler))
	if err == nil || !strings.Contains(err.Error(), "MATRIX_INGEST_TEST_DSN") {
		t.Errorf("openStore error = %v, want it to name the unset variable", err)
	}
}

func TestLoadRecoverySecret(t *testing.T) {
	buffer, err := loadRecoverySecret(config.CryptoConfig{})
	if err != nil || buffer != nil {
		t.Fatalf("unconfigured: buffer=%v err=%v, want nil, nil", buffer, err)
	}

	path := filepath.Join(t.TempDir(), "recovery")
	if err := os.WriteFile(path, []byte("EsTc 1234 abcd\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	buffer, err = loadRecoverySecret(config.CryptoConfig{RecoverySecretFile: path})
	if err != nil {
		t.Fatalf("loadRecoverySecret: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "EsTc 1234 abcd" {
		t.Errorf("secret = %q, want trimmed file contents", buffer.String())
	}
}

func TestLoggerFormat(t *testing.T) {
	var out bytes.Buffer
	newLoggerTo(&out, false, slog.LevelInfo).Info("started", "room", "!a:b")
	var record map[string]any
	if err := json.Unmarshal(out.Bytes(), &record); err != nil {
		t.Fatalf("piped output is not JSON: %v: %s", err, out.String())
	}
	if record["msg"] != "started" || record["room"] != "!a:b" {
		t.Errorf("record = %v", record)
	}

	out.Reset()
	newLoggerTo(&out, true, slog.LevelWarn).Info("hidden")
	if out.Len() != 0 {
		t.Errorf("info written at warn level: %s", out.String())
	}

	if _, err := newLogger("loud"); err == nil {
		t.Error("invalid level accepted")
	}
}

func TestOpenCryptoStore(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	machine, err := openCryptoStore(config.CryptoConfig{}, testUser, testDevice, logger)
	if err != nil || machine != nil {
		t.Fatalf("unconfigured: machine=%v err=%v, want nil, nil", machine, err)
	}

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "pickle.key")
	if err := os.WriteFile(keyPath, []byte("a pickle key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	crypto := config.CryptoConfig{StorePath: filepath.Join(dir, "crypto.db"), PickleKeyFile: keyPath}
	machine, err = openCryptoStore(crypto, testUser, testDevice, logger)
	if err != nil {
		t.Fatalf("openCryptoStore: %v", err)
	}
	defer machine.Close()
	if machine.IdentityKey() == "" {
		t.Error("machine has no identity key")
	}

	crypto.PickleKeyFile = filepath.Join(dir, "missing.key")
	if _, err := openCryptoStore(crypto, testUser, testDevice, logger); err == nil || !strings.Contains(err.Error(), "pickle_key_file") {
		t.Errorf("missing pickle key: %v", err)
	}
}

func TestVerificationKeysNeedBackend(t *testing.T) {
	if keys := verificationKeys(testEngine(t, e2ee.Unavailable{}), e2ee.Unavailable{}); keys != nil {
		t.Errorf("verificationKeys without a backend = %T, want nil", keys)
	}

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "pickle.key")
	if err := os.WriteFile(keyPath, []byte("a pickle key"), 0o600); err != nil {
		t.Fatal(err)
	}
	machine, err := openCryptoStore(config.CryptoConfig{StorePath: filepath.Join(dir, "crypto.db"), PickleKeyFile: keyPath},
		testUser, testDevice, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("openCryptoStore: %v", err)
	}
	defer machine.Close()

	keys := verificationKeys(testEngine(t, machine), machine)
	if keys == nil {
		t.Fatal("verificationKeys with a backend = nil")
	}
	device, err := keys.DeviceKeys()
	if err != nil {
		t.Fatalf("DeviceKeys: %v", err)
	}
	if device.Keys["ed25519:INGEST"] != machine.SigningKey() {
		t.Errorf("device keys = %v", device.Keys)
	}
}
