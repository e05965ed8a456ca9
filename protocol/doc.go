// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the protocol client handle: the narrow,
// swappable interface between Perch's session/trust layer and the
// machinery that actually talks Matrix.
//
// [Handle] is the connected client: it owns the sync loop, emits
// lifecycle events on a single channel, and exposes the room and send
// operations the upper layers need. [NewMatrixHandle] is the production
// implementation over the messaging package. Tests substitute the fake
// in protocol/protocoltest.
//
// [Crypto] is the end-to-end-encryption collaborator. Perch does not
// implement cryptographic primitives — olm/megolm sessions, SAS
// computation, and cross-signing key handling live in an external
// provider wired in at construction time. The interface here is the
// exact surface the trust evaluator and verification coordinator
// consume: cross-signing status, per-device trust queries, device
// enumeration, and the interactive verification objects. A Handle with
// a nil Crypto is a plaintext-only session (crypto initialization
// failed or was disabled); every trust query against it fails closed.
package protocol
