// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust decides what the client may claim about encryption
// trust, and enforces it on the send path.
//
// [Evaluator] answers two questions: is this account's cross-signing
// trust established on this device, and does a room contain unverified
// devices. Both answers fail closed — any indeterminate input (crypto
// not ready, member list unavailable, key query failed) produces the
// pessimistic answer. Verdicts are cached per room and invalidated on
// device-list churn, trust changes, and initial sync completion.
//
// [Gate] wraps message sending: a send into an encrypted room with
// unverified devices is refused with [*UnverifiedDevicesError] unless
// the caller forces it or the room carries a persisted always-allow
// policy. The gate also resolves @-mentions against the room's member
// list, best-effort.
package trust
