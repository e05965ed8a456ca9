// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"

	"github.com/perch-chat/perch/lib/ref"
)

// CrossSigningStatus reports what cross-signing material this device
// holds. Account trust requires both halves: the public identity on
// the device and the private keys available from secret storage.
type CrossSigningStatus struct {
	// PublicKeysOnDevice is true when the account's cross-signing
	// public identity has been fetched and stored locally.
	PublicKeysOnDevice bool

	// PrivateKeysCached is true when the self-signing private keys are
	// available locally, so this device can sign others without
	// another interactive verification.
	PrivateKeysCached bool
}

// Device is one device of a user as the crypto store sees it.
type Device struct {
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	DisplayName string

	// Ed25519Key is the device's signing public key, used for
	// fingerprint display. Empty when the device uploaded no keys.
	Ed25519Key []byte

	// Trusted is true when the device is cross-signed by its owner or
	// was directly verified from here.
	Trusted bool

	// Deleted marks a device the server has since removed. Deleted
	// devices never count against a room's trust verdict.
	Deleted bool
}

// EmojiPair is one of the seven symbols shown during SAS verification,
// with its translatable label.
type EmojiPair struct {
	Symbol string
	Label  string
}

// Crypto is the end-to-end-encryption provider behind a [Handle].
//
// Initialization is asynchronous: Init starts the machinery (store
// open, key upload, cross-signing fetch) and Ready is closed when the
// provider can answer trust queries. Callers that cannot proceed
// without crypto wait on Ready with a bound; callers that can degrade
// treat a nil or never-ready Crypto as "nothing is trusted".
type Crypto interface {
	// Init brings the provider up for the handle's session. An error
	// here is not fatal to the session: the caller continues without
	// crypto and every trust query fails closed.
	Init(ctx context.Context) error

	// Ready is closed once the provider is fully initialized. It is
	// never closed if Init failed.
	Ready() <-chan struct{}

	// CrossSigningStatus reports this device's cross-signing material.
	CrossSigningStatus(ctx context.Context) (CrossSigningStatus, error)

	// UserDevices lists the known devices of a user, including deleted
	// ones (marked as such).
	UserDevices(ctx context.Context, user ref.UserID) ([]Device, error)

	// RequestVerification starts a verification with another user, or
	// with the account's own other devices when user is the session
	// owner. It fails with [ErrNoOtherDevices] when a self-verification
	// finds no eligible device to talk to.
	RequestVerification(ctx context.Context, user ref.UserID) (VerificationRequest, error)

	// IncomingRequests delivers verification requests initiated by the
	// peer. The channel is closed when the provider shuts down.
	IncomingRequests() <-chan VerificationRequest

	// DeleteStores wipes the provider's local key material. Called
	// during logout, after the server session is invalidated.
	DeleteStores() error
}

// VerificationRequest is one pending verification, either direction.
type VerificationRequest interface {
	// Peer is the user on the other side.
	Peer() ref.UserID

	// PeerDevice is the device that answered, zero until the request
	// has been accepted by one.
	PeerDevice() ref.DeviceID

	// Accept agrees to an incoming request. Only valid on requests
	// delivered via IncomingRequests.
	Accept(ctx context.Context) error

	// Ready is closed when both sides have agreed on the SAS method
	// and BeginSAS may be called.
	Ready() <-chan struct{}

	// BeginSAS starts the short-authentication-string exchange.
	BeginSAS(ctx context.Context) (SASVerifier, error)

	// Cancel aborts the request from this side.
	Cancel(ctx context.Context) error

	// Cancelled is closed when either side cancels, with the reason
	// retrievable via CancelReason afterwards.
	Cancelled() <-chan struct{}

	// CancelReason is the peer-supplied or local cancellation code,
	// valid once Cancelled is closed.
	CancelReason() string
}

// SASVerifier drives one emoji-comparison exchange.
type SASVerifier interface {
	// Emojis is closed with the seven-pair code once both key shares
	// have been exchanged. Receiving from it before that blocks.
	Emojis() <-chan []EmojiPair

	// Confirm asserts the user compared the emoji and they matched.
	// The exchange completes when both sides have confirmed.
	Confirm(ctx context.Context) error

	// Done is closed when both sides confirmed and the MACs verified.
	Done() <-chan struct{}

	// Cancel aborts the exchange, including after the emoji are shown.
	Cancel(ctx context.Context) error

	// Cancelled is closed when either side cancels the exchange.
	Cancelled() <-chan struct{}
}
