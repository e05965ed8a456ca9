// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists Perch's local state in a single SQLite
// database under the data directory.
//
// [CredentialStore] holds the session credentials (homeserver, user
// ID, device ID, access token) and the per-room send policy. The
// access token is encrypted at rest with an age identity generated on
// first use and kept beside the database with owner-only permissions:
// a copied database file without the key file discloses no token.
//
// [RoomCache] holds room summaries (name, encryption flag, last
// activity) extracted from sync responses, CBOR-encoded per room. The
// cache is advisory: it speeds up startup and feeds the room list, but
// any entry can be rebuilt from the next sync.
package store
