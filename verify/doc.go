// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package verify coordinates interactive device verification (SAS,
// the emoji comparison) over a protocol handle.
//
// A [Flow] is one verification exchange, incoming or outgoing. The
// coordinator drives the underlying request through its phases —
// Requested, Ready, ShowingSas, Confirmed — and reports each
// transition on the flow's update channel. Cancelled is absorbing:
// whichever side cancels, and at whatever point, the flow lands there
// and stays. The UI's only jobs are to render the emoji when they
// arrive and relay the user's match/no-match decision.
package verify
