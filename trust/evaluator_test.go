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
)

var (
	ada = ref.MustParseUserID("@ada:example.org")
	bea = ref.MustParseUserID("@bea:example.org")
	den = ref.MustParseRoomID("!den:example.org")
)

func trustedDevice(user ref.UserID, id string) protocol.Device {
	return protocol.Device{UserID: user, DeviceID: ref.MustParseDeviceID(id), Trusted: true}
}

func untrustedDevice(user ref.UserID, id string) protocol.Device {
	return protocol.Device{UserID: user, DeviceID: ref.MustParseDeviceID(id)}
}

func newEvalFixture(t *testing.T) (*Evaluator, *protocoltest.Handle, *protocoltest.Crypto) {
	t.Helper()
	crypto := protocoltest.NewCrypto()
	handle := protocoltest.NewHandle(ada, ref.MustParseDeviceID("PERCHDEV"))
	handle.CryptoProvider = crypto
	handle.SetMembers(den, []messaging.RoomMember{
		{UserID: ada, Membership: "join"},
		{UserID: bea, Membership: "join"},
	})
	return NewEvaluator(handle, nil), handle, crypto
}

func TestAccountTrustFailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("no crypto provider", func(t *testing.T) {
		handle := protocoltest.NewHandle(ada, ref.MustParseDeviceID("PERCHDEV"))
		evaluator := NewEvaluator(handle, nil)
		if evaluator.IsAccountTrustEstablished(ctx) {
			t.Error("trust established without a crypto provider")
		}
	})

	t.Run("crypto not ready", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.SetCrossSigningStatus(protocol.CrossSigningStatus{PublicKeysOnDevice: true}, nil)
		if evaluator.IsAccountTrustEstablished(ctx) {
			t.Error("trust established before crypto became ready")
		}
	})

	t.Run("status query fails", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		crypto.SetCrossSigningStatus(protocol.CrossSigningStatus{}, errors.New("store locked"))
		if evaluator.IsAccountTrustEstablished(ctx) {
			t.Error("trust established despite a failed status query")
		}
	})

	t.Run("private keys unavailable", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		crypto.SetCrossSigningStatus(protocol.CrossSigningStatus{PublicKeysOnDevice: true}, nil)
		if evaluator.IsAccountTrustEstablished(ctx) {
			t.Error("trust established without private cross-signing keys in secret storage")
		}
	})

	t.Run("public keys missing", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		crypto.SetCrossSigningStatus(protocol.CrossSigningStatus{PrivateKeysCached: true}, nil)
		if evaluator.IsAccountTrustEstablished(ctx) {
			t.Error("trust established without the public identity on this device")
		}
	})

	t.Run("established", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		crypto.SetCrossSigningStatus(protocol.CrossSigningStatus{
			PublicKeysOnDevice: true,
			PrivateKeysCached:  true,
		}, nil)
		if !evaluator.IsAccountTrustEstablished(ctx) {
			t.Error("trust not established with both key halves present")
		}
	})
}

func TestRoomHasUnverifiedDevices(t *testing.T) {
	ctx := context.Background()

	t.Run("all devices trusted", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		crypto.SetDevices(ada, []protocol.Device{trustedDevice(ada, "PERCHDEV")})
		crypto.SetDevices(bea, []protocol.Device{trustedDevice(bea, "BEAPHONE")})

		unverified, err := evaluator.RoomHasUnverifiedDevices(ctx, den)
		if err != nil {
			t.Fatalf("RoomHasUnverifiedDevices: %v", err)
		}
		if unverified {
			t.Error("fully verified room reported unverified")
		}
	})

	t.Run("one untrusted device", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		crypto.SetDevices(ada, []protocol.Device{trustedDevice(ada, "PERCHDEV")})
		crypto.SetDevices(bea, []protocol.Device{
			trustedDevice(bea, "BEAPHONE"),
			untrustedDevice(bea, "BEALAPTOP"),
		})

		unverified, err := evaluator.RoomHasUnverifiedDevices(ctx, den)
		if err != nil {
			t.Fatalf("RoomHasUnverifiedDevices: %v", err)
		}
		if !unverified {
			t.Error("untrusted device not reported")
		}
	})

	t.Run("deleted devices ignored", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		deleted := untrustedDevice(bea, "BEAOLD")
		deleted.Deleted = true
		crypto.SetDevices(ada, []protocol.Device{trustedDevice(ada, "PERCHDEV")})
		crypto.SetDevices(bea, []protocol.Device{trustedDevice(bea, "BEAPHONE"), deleted})

		unverified, err := evaluator.RoomHasUnverifiedDevices(ctx, den)
		if err != nil {
			t.Fatalf("RoomHasUnverifiedDevices: %v", err)
		}
		if unverified {
			t.Error("deleted device counted against the room")
		}
	})

	t.Run("member with no known devices", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		crypto.SetDevices(ada, []protocol.Device{trustedDevice(ada, "PERCHDEV")})
		// bea's key query has not completed: no devices known.

		unverified, err := evaluator.RoomHasUnverifiedDevices(ctx, den)
		if err != nil {
			t.Fatalf("RoomHasUnverifiedDevices: %v", err)
		}
		if !unverified {
			t.Error("member with unknown devices treated as verified")
		}
	})

	t.Run("crypto not ready fails closed", func(t *testing.T) {
		evaluator, _, _ := newEvalFixture(t)
		unverified, err := evaluator.RoomHasUnverifiedDevices(ctx, den)
		if err == nil {
			t.Fatal("no error with crypto not ready")
		}
		if !unverified {
			t.Error("not-ready crypto did not fail closed")
		}
	})

	t.Run("member list failure fails closed", func(t *testing.T) {
		evaluator, handle, crypto := newEvalFixture(t)
		crypto.MarkReady()
		handle.SetRoomError(den, errors.New("federation timeout"))

		unverified, err := evaluator.RoomHasUnverifiedDevices(ctx, den)
		if err == nil {
			t.Fatal("no error with member list unavailable")
		}
		if !unverified {
			t.Error("member list failure did not fail closed")
		}
	})

	t.Run("device query failure fails closed", func(t *testing.T) {
		evaluator, _, crypto := newEvalFixture(t)
		crypto.MarkReady()
		crypto.SetDevices(ada, []protocol.Device{trustedDevice(ada, "PERCHDEV")})
		crypto.SetDevicesError(bea, errors.New("key backup unreachable"))

		unverified, err := evaluator.RoomHasUnverifiedDevices(ctx, den)
		if err == nil {
			t.Fatal("no error with device query failing")
		}
		if !unverified {
			t.Error("device query failure did not fail closed")
		}
	})
}

func TestVerdictCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	evaluator, _, crypto := newEvalFixture(t)
	crypto.MarkReady()
	crypto.SetDevices(ada, []protocol.Device{trustedDevice(ada, "PERCHDEV")})
	crypto.SetDevices(bea, []protocol.Device{trustedDevice(bea, "BEAPHONE")})

	unverified, err := evaluator.RoomHasUnverifiedDevices(ctx, den)
	if err != nil || unverified {
		t.Fatalf("initial verdict: unverified=%v err=%v", unverified, err)
	}

	// bea adds an unverified laptop. The cached verdict is stale until
	// the device-list update lands.
	crypto.SetDevices(bea, []protocol.Device{
		trustedDevice(bea, "BEAPHONE"),
		untrustedDevice(bea, "BEALAPTOP"),
	})
	unverified, err = evaluator.RoomHasUnverifiedDevices(ctx, den)
	if err != nil || unverified {
		t.Fatalf("cached verdict changed without invalidation: unverified=%v err=%v", unverified, err)
	}

	events := make(chan protocol.Event)
	watchDone := make(chan struct{})
	go func() {
		evaluator.Watch(events)
		close(watchDone)
	}()
	events <- protocol.DevicesUpdated{Users: []ref.UserID{bea}}
	close(events)
	<-watchDone

	unverified, err = evaluator.RoomHasUnverifiedDevices(ctx, den)
	if err != nil {
		t.Fatalf("RoomHasUnverifiedDevices after invalidation: %v", err)
	}
	if !unverified {
		t.Error("verdict not recomputed after device-list update")
	}
}
