// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package protocoltest

import (
	"context"
	"sync"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/protocol"
)

// Crypto is a fake protocol.Crypto. Construct with NewCrypto, then
// drive it: MarkReady unblocks waiters on Ready, SetDevices configures
// trust query answers, DeliverIncoming pushes a peer-initiated
// verification request.
type Crypto struct {
	// InitErr, when set, is returned by Init.
	InitErr error

	// RequestErr, when set, is returned by RequestVerification.
	RequestErr error

	ready    chan struct{}
	incoming chan protocol.VerificationRequest

	mu          sync.Mutex
	status      protocol.CrossSigningStatus
	statusErr   error
	devices     map[ref.UserID][]protocol.Device
	devicesErr  map[ref.UserID]error
	outgoing    *Request
	deleteCalls int
}

// NewCrypto builds a fake provider. It is not ready until MarkReady.
func NewCrypto() *Crypto {
	return &Crypto{
		ready:      make(chan struct{}),
		incoming:   make(chan protocol.VerificationRequest, 4),
		devices:    make(map[ref.UserID][]protocol.Device),
		devicesErr: make(map[ref.UserID]error),
	}
}

func (c *Crypto) Init(ctx context.Context) error { return c.InitErr }

func (c *Crypto) Ready() <-chan struct{} { return c.ready }

// MarkReady closes the Ready channel. Call at most once.
func (c *Crypto) MarkReady() { close(c.ready) }

// SetCrossSigningStatus configures the CrossSigningStatus answer.
func (c *Crypto) SetCrossSigningStatus(status protocol.CrossSigningStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.statusErr = err
}

func (c *Crypto) CrossSigningStatus(ctx context.Context) (protocol.CrossSigningStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.statusErr
}

// SetDevices configures UserDevices for a user.
func (c *Crypto) SetDevices(user ref.UserID, devices []protocol.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[user] = devices
}

// SetDevicesError makes UserDevices fail for a user.
func (c *Crypto) SetDevicesError(user ref.UserID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devicesErr[user] = err
}

func (c *Crypto) UserDevices(ctx context.Context, user ref.UserID) ([]protocol.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.devicesErr[user]; err != nil {
		return nil, err
	}
	return c.devices[user], nil
}

// SetOutgoingRequest configures the request RequestVerification returns.
func (c *Crypto) SetOutgoingRequest(request *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outgoing = request
}

func (c *Crypto) RequestVerification(ctx context.Context, user ref.UserID) (protocol.VerificationRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RequestErr != nil {
		return nil, c.RequestErr
	}
	if c.outgoing == nil {
		return nil, protocol.ErrNoOtherDevices
	}
	return c.outgoing, nil
}

func (c *Crypto) IncomingRequests() <-chan protocol.VerificationRequest { return c.incoming }

// DeliverIncoming pushes a peer-initiated verification request.
func (c *Crypto) DeliverIncoming(request *Request) {
	c.incoming <- request
}

func (c *Crypto) DeleteStores() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteCalls++
	return nil
}

// DeleteCalls reports how many times DeleteStores was invoked.
func (c *Crypto) DeleteCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteCalls
}

var _ protocol.Crypto = (*Crypto)(nil)

// Request is a fake protocol.VerificationRequest. Drive the exchange
// from the test: MarkReady models the peer agreeing on SAS,
// CancelRemote models a peer-side cancellation.
type Request struct {
	// PeerUser and PeerDev identify the other side.
	PeerUser ref.UserID
	PeerDev  ref.DeviceID

	// AcceptErr, when set, is returned by Accept.
	AcceptErr error

	// Verifier is returned by BeginSAS.
	Verifier *SAS

	ready     chan struct{}
	cancelled chan struct{}

	mu       sync.Mutex
	reason   string
	accepted bool
}

// NewRequest builds a fake verification request from the given peer.
func NewRequest(peer ref.UserID, device ref.DeviceID) *Request {
	return &Request{
		PeerUser:  peer,
		PeerDev:   device,
		Verifier:  NewSAS(),
		ready:     make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (r *Request) Peer() ref.UserID         { return r.PeerUser }
func (r *Request) PeerDevice() ref.DeviceID { return r.PeerDev }

func (r *Request) Accept(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AcceptErr != nil {
		return r.AcceptErr
	}
	r.accepted = true
	return nil
}

// Accepted reports whether Accept was called.
func (r *Request) Accepted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

func (r *Request) Ready() <-chan struct{} { return r.ready }

// MarkReady closes the Ready channel: both sides agreed on SAS.
func (r *Request) MarkReady() { close(r.ready) }

func (r *Request) BeginSAS(ctx context.Context) (protocol.SASVerifier, error) {
	return r.Verifier, nil
}

func (r *Request) Cancel(ctx context.Context) error {
	r.cancelLocked("m.user")
	return nil
}

// CancelRemote models the peer cancelling with the given reason code.
func (r *Request) CancelRemote(reason string) {
	r.cancelLocked(reason)
}

func (r *Request) cancelLocked(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.cancelled:
		return
	default:
	}
	r.reason = reason
	close(r.cancelled)
}

func (r *Request) Cancelled() <-chan struct{} { return r.cancelled }

func (r *Request) CancelReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

var _ protocol.VerificationRequest = (*Request)(nil)

// SAS is a fake protocol.SASVerifier. DeliverEmojis publishes the
// code, CompleteExchange models both sides confirming, CancelRemote a
// peer cancellation.
type SAS struct {
	// ConfirmErr, when set, is returned by Confirm.
	ConfirmErr error

	emojis    chan []protocol.EmojiPair
	done      chan struct{}
	cancelled chan struct{}

	mu        sync.Mutex
	confirmed bool
}

// NewSAS builds a fake verifier with no emoji published yet.
func NewSAS() *SAS {
	return &SAS{
		emojis:    make(chan []protocol.EmojiPair, 1),
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (s *SAS) Emojis() <-chan []protocol.EmojiPair { return s.emojis }

// DeliverEmojis publishes the emoji code to the verifier's consumer.
func (s *SAS) DeliverEmojis(pairs []protocol.EmojiPair) {
	s.emojis <- pairs
}

func (s *SAS) Confirm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConfirmErr != nil {
		return s.ConfirmErr
	}
	s.confirmed = true
	return nil
}

// Confirmed reports whether Confirm was called.
func (s *SAS) Confirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

func (s *SAS) Done() <-chan struct{} { return s.done }

// CompleteExchange closes Done: both sides confirmed and MACs checked.
func (s *SAS) CompleteExchange() { close(s.done) }

func (s *SAS) Cancel(ctx context.Context) error {
	s.cancel()
	return nil
}

// CancelRemote models the peer cancelling the exchange.
func (s *SAS) CancelRemote() { s.cancel() }

func (s *SAS) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.cancelled:
		return
	default:
	}
	close(s.cancelled)
}

func (s *SAS) Cancelled() <-chan struct{} { return s.cancelled }

var _ protocol.SASVerifier = (*SAS)(nil)
