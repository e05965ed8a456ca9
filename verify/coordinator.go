// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/perch-chat/perch/lib/clock"
	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/protocol"
)

// ErrCryptoUnavailable is returned when verification is requested on a
// session running without a crypto provider.
var ErrCryptoUnavailable = errors.New("verify: session has no crypto provider")

// ErrCryptoNotReady is returned when the crypto provider did not
// become ready within the coordinator's wait bound.
var ErrCryptoNotReady = errors.New("verify: crypto provider not ready")

// ErrNotSynced is returned when the initial sync did not complete
// within the coordinator's wait bound. Verifying against a half-synced
// account would race the device list download.
var ErrNotSynced = errors.New("verify: initial sync not complete")

// defaultReadyWait bounds how long a self-verification start waits for
// crypto initialization. Long enough for a normal store open, short
// enough that a hung init produces an actionable error instead of a
// frozen button.
const defaultReadyWait = 5 * time.Second

// TrustInvalidator drops cached trust verdicts. A *trust.Evaluator
// satisfies it; the coordinator calls it whenever a flow reaches
// PhaseConfirmed so gated sends see the newly trusted device instead
// of a stale "unverified" verdict.
type TrustInvalidator interface {
	InvalidateAll()
}

// CoordinatorConfig holds the coordinator's collaborators.
type CoordinatorConfig struct {
	// Handle is the active session. Required.
	Handle protocol.Handle

	// Trust, when non-nil, is invalidated after every completed
	// verification.
	Trust TrustInvalidator

	// Synced, when non-nil, gates verification starts on the initial
	// sync having completed (the manager's SyncReady channel).
	Synced <-chan struct{}

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// ReadyWait bounds the crypto-ready and sync waits. Zero means
	// 5 seconds.
	ReadyWait time.Duration
}

// Coordinator starts and accepts verification flows.
type Coordinator struct {
	handle    protocol.Handle
	trust     TrustInvalidator
	synced    <-chan struct{}
	clock     clock.Clock
	logger    *slog.Logger
	readyWait time.Duration
}

// NewCoordinator builds a coordinator over the session handle.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Handle == nil {
		return nil, fmt.Errorf("verify: CoordinatorConfig.Handle is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readyWait := cfg.ReadyWait
	if readyWait <= 0 {
		readyWait = defaultReadyWait
	}
	return &Coordinator{
		handle:    cfg.Handle,
		trust:     cfg.Trust,
		synced:    cfg.Synced,
		clock:     clk,
		logger:    logger,
		readyWait: readyWait,
	}, nil
}

// Incoming returns the stream of peer-initiated verification requests,
// or nil when the session has no crypto provider. Accept a request
// with AcceptIncoming; ignore it and it expires on the peer's side.
func (c *Coordinator) Incoming() <-chan protocol.VerificationRequest {
	crypto := c.handle.Crypto()
	if crypto == nil {
		return nil
	}
	return crypto.IncomingRequests()
}

// StartSelfVerification requests verification against the account's
// other devices. Returns [protocol.ErrNoOtherDevices] when the account
// has no device to answer, [ErrCryptoNotReady] when crypto
// initialization has not finished within the wait bound.
func (c *Coordinator) StartSelfVerification(ctx context.Context) (*Flow, error) {
	if c.handle.Crypto() == nil {
		return nil, ErrCryptoUnavailable
	}
	devices, err := c.handle.AccountDevices(ctx)
	if err != nil {
		// Advisory only. The crypto provider makes the authoritative
		// call when the request goes out.
		c.logger.Debug("listing account devices", "error", err)
	} else {
		others := 0
		for _, device := range devices {
			if device.DeviceID != c.handle.DeviceID() {
				others++
			}
		}
		if others == 0 {
			return nil, protocol.ErrNoOtherDevices
		}
	}
	return c.StartUserVerification(ctx, c.handle.UserID())
}

// StartUserVerification requests verification with another user.
func (c *Coordinator) StartUserVerification(ctx context.Context, user ref.UserID) (*Flow, error) {
	crypto := c.handle.Crypto()
	if crypto == nil {
		return nil, ErrCryptoUnavailable
	}

	// One deadline covers both preconditions: crypto initialized and,
	// when wired, the initial sync complete.
	deadline := c.clock.After(c.readyWait)
	select {
	case <-crypto.Ready():
	case <-deadline:
		return nil, fmt.Errorf("%w after %v", ErrCryptoNotReady, c.readyWait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.synced != nil {
		select {
		case <-c.synced:
		case <-deadline:
			return nil, fmt.Errorf("%w after %v", ErrNotSynced, c.readyWait)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	request, err := crypto.RequestVerification(ctx, user)
	if err != nil {
		return nil, err
	}
	c.logger.Info("verification requested", "peer", user)
	return c.runFlow(request), nil
}

// AcceptIncoming accepts a peer-initiated request and drives it.
func (c *Coordinator) AcceptIncoming(ctx context.Context, request protocol.VerificationRequest) (*Flow, error) {
	if err := request.Accept(ctx); err != nil {
		return nil, fmt.Errorf("verify: accepting request from %s: %w", request.Peer(), err)
	}
	c.logger.Info("verification accepted", "peer", request.Peer())
	return c.runFlow(request), nil
}

func (c *Coordinator) runFlow(request protocol.VerificationRequest) *Flow {
	flow := newFlow(request, c.logger, c.confirmed)
	go flow.run()
	return flow
}

// confirmed runs when a flow reaches PhaseConfirmed. The peer device's
// trust just changed, so every cached verdict is stale.
func (c *Coordinator) confirmed() {
	if c.trust != nil {
		c.trust.InvalidateAll()
	}
}
