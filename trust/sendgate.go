// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/messaging"
	"github.com/perch-chat/perch/protocol"
	"github.com/perch-chat/perch/store"
)

// UnverifiedDevicesError is returned by the gate when a send into an
// encrypted room is refused because the room contains (or may contain)
// unverified devices. The UI presents the retry choices: verify,
// send anyway once, or always allow for this room.
type UnverifiedDevicesError struct {
	Room ref.RoomID

	// Cause carries the evaluation failure when the refusal came from
	// an indeterminate answer rather than a known-unverified device.
	Cause error
}

func (e *UnverifiedDevicesError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("trust: send to %s blocked, device verification indeterminate: %v", e.Room, e.Cause)
	}
	return fmt.Sprintf("trust: send to %s blocked by unverified devices", e.Room)
}

func (e *UnverifiedDevicesError) Unwrap() error { return e.Cause }

// SendOptions control one send through the gate.
type SendOptions struct {
	// Force sends despite unverified devices, this once. The room's
	// persisted policy is untouched.
	Force bool

	// AlwaysAllow persists an allow policy for the room, then sends.
	// Every later send to this room skips the verification check until
	// the policy is cleared (it does not survive logout).
	AlwaysAllow bool
}

// Gate enforces the send policy of encrypted rooms.
type Gate struct {
	handle    protocol.Handle
	evaluator *Evaluator
	policies  *store.CredentialStore
	logger    *slog.Logger
}

// NewGate builds a send gate. All collaborators are required except
// the logger.
func NewGate(handle protocol.Handle, evaluator *Evaluator, policies *store.CredentialStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		handle:    handle,
		evaluator: evaluator,
		policies:  policies,
		logger:    logger,
	}
}

// SendText sends a plain text message through the gate, resolving
// @-mentions against the room's member list.
func (g *Gate) SendText(ctx context.Context, room ref.RoomID, body string, opts SendOptions) (ref.EventID, error) {
	content := messaging.NewTextMessage(body)
	g.attachMentions(ctx, room, &content)
	return g.Send(ctx, room, content, opts)
}

// SendThreadReply sends a reply in a thread through the gate.
func (g *Gate) SendThreadReply(ctx context.Context, room ref.RoomID, threadRoot ref.EventID, body string, opts SendOptions) (ref.EventID, error) {
	content := messaging.NewThreadReply(threadRoot, body)
	g.attachMentions(ctx, room, &content)
	return g.Send(ctx, room, content, opts)
}

// Send checks the room's trust standing and sends the message. The
// refusal, when it happens, is *UnverifiedDevicesError.
func (g *Gate) Send(ctx context.Context, room ref.RoomID, content messaging.MessageContent, opts SendOptions) (ref.EventID, error) {
	if opts.AlwaysAllow {
		if err := g.policies.SetRoomPolicy(ctx, room, true); err != nil {
			// The user asked for a persistent exception; failing to
			// record it silently would re-block the next send.
			return ref.EventID{}, fmt.Errorf("trust: persisting allow policy: %w", err)
		}
	}

	if !opts.Force && !opts.AlwaysAllow {
		if err := g.check(ctx, room); err != nil {
			return ref.EventID{}, err
		}
	}

	return g.handle.SendEvent(ctx, room, ref.EventTypeMessage, content)
}

// check refuses the send unless the room is unencrypted, carries an
// allow policy, or every device in it is verified.
func (g *Gate) check(ctx context.Context, room ref.RoomID) error {
	encrypted, err := g.handle.IsRoomEncrypted(ctx, room)
	if err != nil {
		// Indeterminate encryption state blocks: treating the room as
		// plaintext on error would leak a message past verification.
		return &UnverifiedDevicesError{Room: room, Cause: err}
	}
	if !encrypted {
		return nil
	}

	allowed, err := g.policies.RoomPolicy(ctx, room)
	if err != nil {
		g.logger.Warn("reading room policy", "room_id", room, "error", err)
	} else if allowed {
		return nil
	}

	unverified, err := g.evaluator.RoomHasUnverifiedDevices(ctx, room)
	if err != nil {
		return &UnverifiedDevicesError{Room: room, Cause: err}
	}
	if unverified {
		return &UnverifiedDevicesError{Room: room}
	}
	return nil
}

// attachMentions resolves @-patterns in the body against the room's
// member list. Strictly best-effort: any failure sends the message
// without structured mentions.
func (g *Gate) attachMentions(ctx context.Context, room ref.RoomID, content *messaging.MessageContent) {
	members, err := g.handle.RoomMembers(ctx, room)
	if err != nil {
		g.logger.Debug("mention resolution skipped", "room_id", room, "error", err)
		return
	}
	mentioned := ResolveMentions(content.Body, members)
	if len(mentioned) > 0 {
		content.Mentions = &messaging.Mentions{UserIDs: mentioned}
	}
}
