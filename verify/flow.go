// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/protocol"
)

// Phase is where a verification flow currently stands.
type Phase int

const (
	// PhaseRequested: the request is out (or accepted) and awaiting
	// agreement on the SAS method.
	PhaseRequested Phase = iota

	// PhaseReady: both sides agreed; the SAS exchange is starting.
	PhaseReady

	// PhaseShowingSas: the emoji code is available and displayed. The
	// flow waits for both users to confirm.
	PhaseShowingSas

	// PhaseConfirmed: both sides confirmed and the MACs verified. The
	// peer device is now trusted. Terminal.
	PhaseConfirmed

	// PhaseCancelled: either side cancelled, at any point. Terminal
	// and absorbing — no transition leaves it.
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseRequested:
		return "requested"
	case PhaseReady:
		return "ready"
	case PhaseShowingSas:
		return "showing-sas"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Update is one phase transition, delivered on [Flow.Updates].
type Update struct {
	Phase Phase

	// Emojis is the seven-pair code, set when Phase is PhaseShowingSas.
	Emojis []protocol.EmojiPair

	// CancelReason is the cancellation code ("m.user",
	// "m.mismatched_sas", ...), set when Phase is PhaseCancelled.
	CancelReason string
}

// Flow is one verification exchange in progress. Read Updates for
// phase transitions; call Confirm when the user says the emoji match,
// Cancel when they do not (or dismiss the dialog).
type Flow struct {
	request protocol.VerificationRequest
	logger  *slog.Logger
	updates chan Update

	// onConfirmed fires before PhaseConfirmed is delivered, so a
	// consumer seeing the phase already sees refreshed trust.
	onConfirmed func()

	mu  sync.Mutex
	sas protocol.SASVerifier
}

func newFlow(request protocol.VerificationRequest, logger *slog.Logger, onConfirmed func()) *Flow {
	return &Flow{
		request:     request,
		logger:      logger,
		updates:     make(chan Update, 8),
		onConfirmed: onConfirmed,
	}
}

// Peer is the user on the other side of the exchange.
func (f *Flow) Peer() ref.UserID { return f.request.Peer() }

// Updates delivers phase transitions in order. The channel is closed
// after a terminal phase (Confirmed or Cancelled) is delivered.
func (f *Flow) Updates() <-chan Update { return f.updates }

// Confirm relays the user's "emoji match" decision. Valid only in
// PhaseShowingSas; the flow reaches PhaseConfirmed once the peer has
// confirmed too.
func (f *Flow) Confirm(ctx context.Context) error {
	f.mu.Lock()
	sas := f.sas
	f.mu.Unlock()
	if sas == nil {
		return fmt.Errorf("verify: nothing to confirm yet")
	}
	return sas.Confirm(ctx)
}

// Cancel aborts the exchange from this side. The request and any
// active SAS exchange are cancelled independently: if one of them has
// already terminated server-side, the other still gets the
// cancellation.
func (f *Flow) Cancel(ctx context.Context) error {
	f.mu.Lock()
	sas := f.sas
	f.mu.Unlock()

	var errs []error
	if sas != nil {
		if err := sas.Cancel(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.request.Cancel(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("verify: cancelling exchange with %s: %v", f.request.Peer(), errs)
	}
	return nil
}

// run drives the exchange through its phases. It is the only writer on
// the updates channel and closes it on exit.
func (f *Flow) run() {
	defer close(f.updates)
	ctx := context.Background()

	f.emit(Update{Phase: PhaseRequested})

	select {
	case <-f.request.Ready():
	case <-f.request.Cancelled():
		f.emitCancelled()
		return
	}
	f.emit(Update{Phase: PhaseReady})

	sas, err := f.request.BeginSAS(ctx)
	if err != nil {
		f.logger.Warn("starting SAS exchange failed", "peer", f.request.Peer(), "error", err)
		if cancelErr := f.request.Cancel(ctx); cancelErr != nil {
			f.logger.Debug("cancelling after failed SAS start", "error", cancelErr)
		}
		f.emitCancelled()
		return
	}
	f.mu.Lock()
	f.sas = sas
	f.mu.Unlock()

	// The peer can cancel before the emoji are ever shown; the flow
	// must land in Cancelled without passing through ShowingSas.
	select {
	case pairs := <-sas.Emojis():
		f.emit(Update{Phase: PhaseShowingSas, Emojis: pairs})
	case <-sas.Cancelled():
		f.emitCancelled()
		return
	case <-f.request.Cancelled():
		f.emitCancelled()
		return
	}

	select {
	case <-sas.Done():
		f.logger.Info("verification confirmed", "peer", f.request.Peer())
		if f.onConfirmed != nil {
			f.onConfirmed()
		}
		f.emit(Update{Phase: PhaseConfirmed})
	case <-sas.Cancelled():
		f.emitCancelled()
	case <-f.request.Cancelled():
		f.emitCancelled()
	}
}

func (f *Flow) emit(update Update) {
	f.updates <- update
}

func (f *Flow) emitCancelled() {
	reason := f.request.CancelReason()
	f.logger.Info("verification cancelled", "peer", f.request.Peer(), "reason", reason)
	f.emit(Update{Phase: PhaseCancelled, CancelReason: reason})
}
