// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components hold a Clock instead of calling time.Now, time.After,
// time.AfterFunc, or time.NewTicker. Production wires Real(); tests
// wire Fake(), whose time moves only when Advance is called:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	coordinator := keyrecovery.New(keyrecovery.Config{Clock: fake, ...})
//	go coordinator.Run(ctx)
//	fake.WaitForTimers(1)       // rescan ticker registered
//	fake.Advance(time.Minute)   // fire one rescan
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
