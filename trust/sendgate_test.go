// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"errors"
	"testing"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/messaging"
	"github.com/perch-chat/perch/protocol"
	"github.com/perch-chat/perch/protocol/protocoltest"
	"github.com/perch-chat/perch/store"
)

type gateFixture struct {
	gate   *Gate
	handle *protocoltest.Handle
	crypto *protocoltest.Crypto
	store  *store.CredentialStore
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	credStore, err := store.Open(store.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { credStore.Close() })

	crypto := protocoltest.NewCrypto()
	crypto.MarkReady()
	handle := protocoltest.NewHandle(ada, ref.MustParseDeviceID("PERCHDEV"))
	handle.CryptoProvider = crypto
	handle.SetMembers(den, []messaging.RoomMember{
		{UserID: ada, Membership: "join"},
		{UserID: bea, DisplayName: "Bea", Membership: "join"},
	})
	crypto.SetDevices(ada, []protocol.Device{trustedDevice(ada, "PERCHDEV")})
	crypto.SetDevices(bea, []protocol.Device{trustedDevice(bea, "BEAPHONE")})

	evaluator := NewEvaluator(handle, nil)
	return &gateFixture{
		gate:   NewGate(handle, evaluator, credStore, nil),
		handle: handle,
		crypto: crypto,
		store:  credStore,
	}
}

func (f *gateFixture) makeUnverified() {
	f.crypto.SetDevices(bea, []protocol.Device{
		trustedDevice(bea, "BEAPHONE"),
		untrustedDevice(bea, "BEALAPTOP"),
	})
}

func TestSendToUnencryptedRoom(t *testing.T) {
	fixture := newGateFixture(t)
	fixture.makeUnverified()
	// Plaintext room: verification is irrelevant.
	fixture.handle.SetEncrypted(den, false)

	eventID, err := fixture.gate.SendText(context.Background(), den, "hello", SendOptions{})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if eventID.IsZero() {
		t.Error("no event ID returned")
	}
}

func TestSendBlockedByUnverifiedDevices(t *testing.T) {
	fixture := newGateFixture(t)
	fixture.handle.SetEncrypted(den, true)
	fixture.makeUnverified()

	_, err := fixture.gate.SendText(context.Background(), den, "hello", SendOptions{})
	var blocked *UnverifiedDevicesError
	if !errors.As(err, &blocked) {
		t.Fatalf("error = %v, want UnverifiedDevicesError", err)
	}
	if blocked.Room != den {
		t.Errorf("blocked room = %v", blocked.Room)
	}
	if sent := fixture.handle.Sent(); len(sent) != 0 {
		t.Errorf("%d events sent past the gate", len(sent))
	}
}

func TestSendToFullyVerifiedRoom(t *testing.T) {
	fixture := newGateFixture(t)
	fixture.handle.SetEncrypted(den, true)

	if _, err := fixture.gate.SendText(context.Background(), den, "hello", SendOptions{}); err != nil {
		t.Fatalf("SendText to verified room: %v", err)
	}
}

func TestForceSendSkipsCheckOnce(t *testing.T) {
	fixture := newGateFixture(t)
	ctx := context.Background()
	fixture.handle.SetEncrypted(den, true)
	fixture.makeUnverified()

	if _, err := fixture.gate.SendText(ctx, den, "urgent", SendOptions{Force: true}); err != nil {
		t.Fatalf("forced send: %v", err)
	}

	// Force is one-shot: the next plain send is blocked again, and no
	// policy was persisted.
	_, err := fixture.gate.SendText(ctx, den, "hello again", SendOptions{})
	var blocked *UnverifiedDevicesError
	if !errors.As(err, &blocked) {
		t.Fatalf("send after force = %v, want UnverifiedDevicesError", err)
	}
	allowed, err := fixture.store.RoomPolicy(ctx, den)
	if err != nil {
		t.Fatalf("RoomPolicy: %v", err)
	}
	if allowed {
		t.Error("force send persisted an allow policy")
	}
}

func TestAlwaysAllowPersistsPolicy(t *testing.T) {
	fixture := newGateFixture(t)
	ctx := context.Background()
	fixture.handle.SetEncrypted(den, true)
	fixture.makeUnverified()

	if _, err := fixture.gate.SendText(ctx, den, "first", SendOptions{AlwaysAllow: true}); err != nil {
		t.Fatalf("always-allow send: %v", err)
	}

	// The policy outlives the option: plain sends now pass.
	if _, err := fixture.gate.SendText(ctx, den, "second", SendOptions{}); err != nil {
		t.Fatalf("send after always-allow: %v", err)
	}
	allowed, err := fixture.store.RoomPolicy(ctx, den)
	if err != nil {
		t.Fatalf("RoomPolicy: %v", err)
	}
	if !allowed {
		t.Error("allow policy not persisted")
	}
}

func TestEncryptionStateFailureBlocks(t *testing.T) {
	fixture := newGateFixture(t)
	fixture.handle.SetRoomError(den, errors.New("state fetch failed"))

	_, err := fixture.gate.Send(context.Background(), den, messaging.NewTextMessage("hello"), SendOptions{})
	var blocked *UnverifiedDevicesError
	if !errors.As(err, &blocked) {
		t.Fatalf("error = %v, want UnverifiedDevicesError", err)
	}
	if blocked.Cause == nil {
		t.Error("indeterminate block carries no cause")
	}
}

func TestSendTextResolvesMentions(t *testing.T) {
	fixture := newGateFixture(t)
	fixture.handle.SetEncrypted(den, false)

	if _, err := fixture.gate.SendText(context.Background(), den, "ping @bea, are you there?", SendOptions{}); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	sent := fixture.handle.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d sends, want 1", len(sent))
	}
	content, ok := sent[0].Content.(messaging.MessageContent)
	if !ok {
		t.Fatalf("sent content is %T", sent[0].Content)
	}
	if content.Mentions == nil || len(content.Mentions.UserIDs) != 1 || content.Mentions.UserIDs[0] != bea {
		t.Errorf("mentions = %+v, want [%v]", content.Mentions, bea)
	}
	if sent[0].Type != ref.EventTypeMessage {
		t.Errorf("event type = %v", sent[0].Type)
	}
}
