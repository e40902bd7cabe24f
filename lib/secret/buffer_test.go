// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("syt_token_value")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "syt_token_value" {
		t.Errorf("String() = %q", buffer.String())
	}
	for index, b := range source {
		if b != 0 {
			t.Fatalf("source[%d] = %d, want 0", index, b)
		}
	}
}

func TestNewFromBytesEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestCloseIdempotentAndPanicsAfter(t *testing.T) {
	buffer, err := NewFromBytes([]byte("x"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("Bytes after Close should panic")
		}
	}()
	buffer.Bytes()
}

func TestReadFromPathTrims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  secret-value\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "secret-value" {
		t.Errorf("String() = %q, want %q", buffer.String(), "secret-value")
	}
}

func TestReadFromPathWhitespaceOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte(" \n\t"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFromPath(path); err == nil {
		t.Fatal("expected error for whitespace-only secret")
	}
}

func TestFromEnvUnsets(t *testing.T) {
	t.Setenv("MATRIX_INGEST_TEST_SECRET", "abc")
	buffer, err := FromEnv("MATRIX_INGEST_TEST_SECRET")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "abc" {
		t.Errorf("String() = %q", buffer.String())
	}
	if _, ok := os.LookupEnv("MATRIX_INGEST_TEST_SECRET"); ok {
		t.Error("variable should be unset after FromEnv")
	}
}

func TestFromEnvMissing(t *testing.T) {
	if _, err := FromEnv("MATRIX_INGEST_TEST_SECRET_MISSING"); err == nil {
		t.Fatal("expected error for unset variable")
	}
}
