// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API
// that Perch's session and trust layer consumes.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client holding the homeserver URL and HTTP transport; it
// performs password login (returning authenticated sessions) and
// well-known discovery of the optional sliding-sync proxy. [DirectSession]
// wraps a Client with an access token for authenticated operations:
// incremental sync with long-polling, sending events with idempotent
// transaction IDs, room membership and state queries, the device list,
// and server-side logout.
//
// Sessions are lightweight (a pointer to the parent Client plus an
// access token in mmap-backed secret.Buffer memory, locked against
// swap and excluded from core dumps). Callers must call Close to
// release the protected memory.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_UNKNOWN_TOKEN, ...) and HTTP
// status. [IsMatrixError] tests for a specific code; [IsAuthFailure]
// classifies the invalid/expired-token conditions the connection
// watchdog reacts to. Request URLs are built by string concatenation
// rather than url.URL to avoid double-encoding of path segments that
// contain URL-encoded characters.
package messaging
