// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the client's session lifecycle: login, restore
// on startup, logout, and the connection watchdog.
//
// [Manager] is the single owner of the protocol handle. It serializes
// lifecycle transitions, persists credentials through the store, and
// fans handle events out to subscribers (the UI, the trust evaluator).
// Logout is single-flight: no matter how many paths request it
// concurrently (user action, server-side token invalidation, account
// deactivation), exactly one teardown runs and the rest are no-ops.
//
// The watchdog is the sole consumer of the handle's event stream. It
// tracks connection state, rebroadcasts events to subscribers, and
// converts a server-forced logout into a local one.
package session
