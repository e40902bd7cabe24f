// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by package tests.
//
// [RequireReceive], [RequireSend], and [RequireClosed] are the only
// wall-clock timeouts in the test suite; everything else runs on
// clock.Fake.
package testutil

import (
	"os"
	"testing"
)

// SocketDir returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes. Removed on cleanup.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "ingest-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
