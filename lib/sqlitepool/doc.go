// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite with the pragmas
// and transaction helpers the event store uses.
//
// Every connection runs in WAL mode with synchronous=NORMAL: a
// process crash loses nothing committed, an OS crash may lose the last
// few transactions. That is acceptable here because Matrix remains the
// source of truth and backfill re-reads from the last checkpoint.
//
// Callers write SQL directly with sqlitex.Execute. Write wraps a unit
// of work in an IMMEDIATE transaction so concurrent upserts serialize
// on the write lock instead of failing with SQLITE_BUSY mid-statement.
package sqlitepool
