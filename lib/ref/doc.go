// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Matrix identifiers:
// user IDs, room IDs, device IDs, event IDs, and event types.
//
// Raw identifier strings are parsed into these types at the boundary
// (HTTP responses, persisted storage, config files) and stay typed for
// the rest of their life. This prevents the classic confusion bugs —
// passing a room ID where a user ID is expected, or an access token
// where a device ID is expected — at compile time instead of at runtime.
//
// All types are immutable values. The zero value is never a valid
// identifier; use IsZero to check. Each type implements
// encoding.TextMarshaler and TextUnmarshaler so encoding/json validates
// identifiers automatically during deserialization, including when used
// as map keys.
package ref
