// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package verify

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/perch-chat/perch/protocol"
)

// fingerprintBytes is the digest length shown to users. 16 bytes is
// eight groups of four hex characters — comparable out loud without
// being trivially collidable.
const fingerprintBytes = 16

// DeviceFingerprint derives a human-comparable fingerprint for a
// device from its signing key, bound to the owning user and device ID
// so the same key pasted onto another device reads differently.
func DeviceFingerprint(device protocol.Device) (string, error) {
	if len(device.Ed25519Key) == 0 {
		return "", fmt.Errorf("verify: device %s of %s has no signing key", device.DeviceID, device.UserID)
	}

	hasher := blake3.New()
	// Length-free framing is safe here: user IDs cannot contain NUL
	// and device IDs are server-issued tokens.
	hasher.Write([]byte(device.UserID.String()))
	hasher.Write([]byte{0})
	hasher.Write([]byte(device.DeviceID.String()))
	hasher.Write([]byte{0})
	hasher.Write(device.Ed25519Key)
	digest := hasher.Sum(nil)[:fingerprintBytes]

	encoded := hex.EncodeToString(digest)
	groups := make([]string, 0, len(encoded)/4)
	for i := 0; i < len(encoded); i += 4 {
		groups = append(groups, encoded[i:i+4])
	}
	return strings.Join(groups, " "), nil
}
