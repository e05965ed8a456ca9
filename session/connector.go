// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/lib/secret"
	"github.com/perch-chat/perch/messaging"
	"github.com/perch-chat/perch/protocol"
	"github.com/perch-chat/perch/store"
)

// LoginParams carries everything a password login needs.
type LoginParams struct {
	Homeserver string
	Username   string

	// Password is borrowed for the duration of the call; the connector
	// does not retain or close it.
	Password *secret.Buffer

	// DeviceID, when non-zero, reuses the install's stable device
	// identity so cross-signing trust survives login cycles.
	DeviceID ref.DeviceID
}

// Connector turns credentials into a live protocol handle. The Matrix
// implementation is [NewMatrixConnector]; tests inject fakes.
type Connector interface {
	// Login performs a password login and returns the persistable
	// session alongside the connected handle. The returned session's
	// AccessToken is owned by the caller.
	Login(ctx context.Context, params LoginParams) (store.Session, protocol.Handle, error)

	// Resume builds a handle from previously stored credentials. It
	// validates the token with the server before returning.
	Resume(ctx context.Context, session store.Session) (protocol.Handle, error)
}

// CryptoFactory builds the encryption provider for a fresh session.
// Nil factory, or a nil return, yields a plaintext-only session.
type CryptoFactory func(session *messaging.DirectSession) protocol.Crypto

// MatrixConnector is the production Connector over the messaging
// package.
type MatrixConnector struct {
	// HTTPClient overrides the transport, mainly for tests. Nil uses
	// the messaging default.
	HTTPClient *http.Client

	// NewCrypto builds the session's encryption provider.
	NewCrypto CryptoFactory

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *MatrixConnector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *MatrixConnector) Login(ctx context.Context, params LoginParams) (store.Session, protocol.Handle, error) {
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: params.Homeserver,
		HTTPClient:    c.HTTPClient,
		Logger:        c.Logger,
	})
	if err != nil {
		return store.Session{}, nil, err
	}

	direct, err := client.Login(ctx, params.Username, params.Password, messaging.LoginOptions{
		DeviceID: params.DeviceID,
	})
	if err != nil {
		return store.Session{}, nil, err
	}

	// Sliding-sync proxy discovery is best-effort: a homeserver
	// without the well-known entry still works over plain /sync.
	proxyURL, err := client.DiscoverSyncProxy(ctx)
	if err != nil {
		c.logger().Debug("sync proxy discovery failed", "error", err)
	}

	token, err := secret.NewFromString(direct.AccessToken())
	if err != nil {
		direct.Close()
		return store.Session{}, nil, fmt.Errorf("session: protecting token for storage: %w", err)
	}

	handle, err := c.buildHandle(direct)
	if err != nil {
		token.Close()
		direct.Close()
		return store.Session{}, nil, err
	}

	return store.Session{
		Homeserver:   params.Homeserver,
		UserID:       direct.UserID(),
		DeviceID:     direct.DeviceID(),
		AccessToken:  token,
		SyncProxyURL: proxyURL,
	}, handle, nil
}

func (c *MatrixConnector) Resume(ctx context.Context, session store.Session) (protocol.Handle, error) {
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: session.Homeserver,
		HTTPClient:    c.HTTPClient,
		Logger:        c.Logger,
	})
	if err != nil {
		return nil, err
	}

	direct, err := client.SessionFromToken(session.UserID, session.DeviceID, session.AccessToken.String())
	if err != nil {
		return nil, err
	}

	// Validate the token before declaring the restore good. An
	// auth-classified failure here means the stored session is dead;
	// the caller clears it rather than retrying.
	if _, err := direct.WhoAmI(ctx); err != nil {
		direct.Close()
		return nil, fmt.Errorf("session: validating restored token: %w", err)
	}

	return c.buildHandle(direct)
}

// buildHandle wires the crypto provider and wraps the session. Crypto
// construction failure is deliberately impossible here — providers
// that can fail do so in Init, asynchronously, so a broken crypto
// stack degrades the session instead of blocking login.
func (c *MatrixConnector) buildHandle(direct *messaging.DirectSession) (protocol.Handle, error) {
	var crypto protocol.Crypto
	if c.NewCrypto != nil {
		crypto = c.NewCrypto(direct)
	}
	return protocol.NewMatrixHandle(protocol.MatrixHandleConfig{
		Session: direct,
		Crypto:  crypto,
		Logger:  c.Logger,
	})
}
