// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps the Matrix access token and the key backup
// recovery secret out of the Go heap.
//
// A [Buffer] lives in an mlocked anonymous mapping that is excluded
// from core dumps and zeroed on Close. Secrets enter through
// [ReadFromPath], [FromEnv], or [NewFromBytes]; each zeroes the heap
// copy it was given.
package secret
