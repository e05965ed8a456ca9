// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/lib/secret"
	"github.com/perch-chat/perch/lib/sqlitepool"
)

// databaseFile is the SQLite file name under the data directory. The
// credential store and room cache share it.
const databaseFile = "perch.db"

// keyFile holds the age identity that encrypts the access token at
// rest. Created with owner-only permissions on first use.
const keyFile = "store.key"

// Credential keys in the credentials table.
const (
	keyHomeserver   = "homeserver"
	keyUserID       = "user_id"
	keyDeviceID     = "device_id"
	keyAccessToken  = "access_token"
	keySyncProxyURL = "sync_proxy_url"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS room_policy (
	room_id          TEXT PRIMARY KEY,
	allow_unverified INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	room_id TEXT PRIMARY KEY,
	data    BLOB NOT NULL
);
`

// Session is the persisted credential set for one login.
type Session struct {
	Homeserver string
	UserID     ref.UserID
	DeviceID   ref.DeviceID

	// AccessToken is owned by the caller after LoadSession returns;
	// SaveSession does not retain or close it.
	AccessToken *secret.Buffer

	// SyncProxyURL is the discovered sliding-sync proxy, empty when
	// the homeserver advertises none.
	SyncProxyURL string
}

// Config holds the parameters for opening a store.
type Config struct {
	// Dir is the data directory. Created (0700) if absent.
	Dir string

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// CredentialStore persists credentials and room send policy. Safe for
// concurrent use.
type CredentialStore struct {
	pool     *sqlitepool.Pool
	identity *age.X25519Identity
	logger   *slog.Logger
}

// Open opens (creating if necessary) the store under cfg.Dir.
func Open(cfg Config) (*CredentialStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store: Config.Dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: creating data directory: %w", err)
	}

	identity, err := loadOrCreateIdentity(filepath.Join(cfg.Dir, keyFile))
	if err != nil {
		return nil, err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(cfg.Dir, databaseFile),
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	return &CredentialStore{
		pool:     pool,
		identity: identity,
		logger:   logger,
	}, nil
}

// Pool exposes the underlying connection pool so the room cache can
// share the database file.
func (s *CredentialStore) Pool() *sqlitepool.Pool { return s.pool }

// Close closes the underlying pool.
func (s *CredentialStore) Close() error { return s.pool.Close() }

// loadOrCreateIdentity reads the age identity from path, generating
// and persisting a fresh one when the file does not exist.
func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, parseErr := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if parseErr != nil {
			return nil, fmt.Errorf("store: parsing key file %s: %w", path, parseErr)
		}
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: reading key file: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("store: generating identity: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("store: writing key file: %w", err)
	}
	return identity, nil
}

// SaveSession persists the full credential set, replacing any previous
// session. The access token is age-encrypted before it touches disk.
// All keys commit in one transaction: a session is stored whole or not
// at all, never as a mix of old and new credentials.
func (s *CredentialStore) SaveSession(ctx context.Context, session Session) (err error) {
	if session.UserID.IsZero() || session.DeviceID.IsZero() {
		return fmt.Errorf("store: SaveSession requires user and device IDs")
	}
	if session.AccessToken == nil || session.AccessToken.Len() == 0 {
		return fmt.Errorf("store: SaveSession requires an access token")
	}

	sealed, err := s.sealToken(session.AccessToken)
	if err != nil {
		return err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	entries := map[string][]byte{
		keyHomeserver:  []byte(session.Homeserver),
		keyUserID:      []byte(session.UserID.String()),
		keyDeviceID:    []byte(session.DeviceID.String()),
		keyAccessToken: sealed,
	}
	if session.SyncProxyURL != "" {
		entries[keySyncProxyURL] = []byte(session.SyncProxyURL)
	} else {
		err = sqlitex.Execute(conn,
			"DELETE FROM credentials WHERE key = ?",
			&sqlitex.ExecOptions{Args: []any{keySyncProxyURL}})
		if err != nil {
			return fmt.Errorf("store: dropping stale sync proxy: %w", err)
		}
	}
	for key, value := range entries {
		err = sqlitex.Execute(conn,
			"INSERT INTO credentials (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			&sqlitex.ExecOptions{Args: []any{key, value}})
		if err != nil {
			return fmt.Errorf("store: saving %s: %w", key, err)
		}
	}
	s.logger.Debug("session saved", "user_id", session.UserID, "device_id", session.DeviceID)
	return nil
}

// LoadSession reads the persisted session. ok is false when no
// complete session is stored; in that case a non-nil error means the
// stored data was present but unusable (corrupt ID, undecryptable
// token) and the caller should treat the client as logged out.
func (s *CredentialStore) LoadSession(ctx context.Context) (session Session, ok bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Session{}, false, err
	}
	defer s.pool.Put(conn)

	values := make(map[string][]byte)
	err = sqlitex.Execute(conn, "SELECT key, value FROM credentials", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, value)
			values[stmt.ColumnText(0)] = value
			return nil
		},
	})
	if err != nil {
		return Session{}, false, fmt.Errorf("store: reading credentials: %w", err)
	}

	session.Homeserver = string(values[keyHomeserver])
	session.SyncProxyURL = string(values[keySyncProxyURL])

	rawUser, haveUser := values[keyUserID]
	rawDevice, haveDevice := values[keyDeviceID]
	sealed, haveToken := values[keyAccessToken]
	if !haveUser || !haveDevice || !haveToken {
		return session, false, nil
	}

	session.UserID, err = ref.ParseUserID(string(rawUser))
	if err != nil {
		return Session{}, false, fmt.Errorf("store: stored user ID: %w", err)
	}
	session.DeviceID, err = ref.ParseDeviceID(string(rawDevice))
	if err != nil {
		return Session{}, false, fmt.Errorf("store: stored device ID: %w", err)
	}
	session.AccessToken, err = s.unsealToken(sealed)
	if err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

// Homeserver returns the stored homeserver URL, empty when none is
// set. The homeserver survives Clear so the login form can prefill it.
func (s *CredentialStore) Homeserver(ctx context.Context) (string, error) {
	value, err := s.credential(ctx, keyHomeserver)
	return string(value), err
}

// DeviceID returns the stored device ID, zero when none is set. The
// device ID survives Clear so a later login reuses the same device and
// keeps its verification standing.
func (s *CredentialStore) DeviceID(ctx context.Context) (ref.DeviceID, error) {
	value, err := s.credential(ctx, keyDeviceID)
	if err != nil || len(value) == 0 {
		return ref.DeviceID{}, err
	}
	return ref.ParseDeviceID(string(value))
}

func (s *CredentialStore) credential(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var value []byte
	err = sqlitex.Execute(conn, "SELECT value FROM credentials WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", key, err)
	}
	return value, nil
}

// Clear removes the session credentials and all room send policy.
// The homeserver URL and device ID survive: the former prefills the
// next login form, the latter keeps the device identity stable across
// login cycles. The deletes commit in one transaction so an
// interrupted clear cannot leave a token behind with its policy rows
// gone. Idempotent.
func (s *CredentialStore) Clear(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		"DELETE FROM credentials WHERE key IN (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{keyUserID, keyAccessToken, keySyncProxyURL}})
	if err != nil {
		return fmt.Errorf("store: clearing credentials: %w", err)
	}
	if err := sqlitex.Execute(conn, "DELETE FROM room_policy", nil); err != nil {
		return fmt.Errorf("store: clearing room policy: %w", err)
	}
	if err := sqlitex.Execute(conn, "DELETE FROM rooms", nil); err != nil {
		return fmt.Errorf("store: clearing room cache: %w", err)
	}
	s.logger.Info("credential store cleared")
	return nil
}

// SetRoomPolicy records whether sends to the room are allowed despite
// unverified devices.
func (s *CredentialStore) SetRoomPolicy(ctx context.Context, room ref.RoomID, allowUnverified bool) error {
	if room.IsZero() {
		return fmt.Errorf("store: SetRoomPolicy requires a room ID")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	allow := 0
	if allowUnverified {
		allow = 1
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO room_policy (room_id, allow_unverified) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET allow_unverified = excluded.allow_unverified",
		&sqlitex.ExecOptions{Args: []any{room.String(), allow}})
	if err != nil {
		return fmt.Errorf("store: saving room policy for %s: %w", room, err)
	}
	return nil
}

// RoomPolicy reports whether sends to the room are allowed despite
// unverified devices. Absent rows mean false.
func (s *CredentialStore) RoomPolicy(ctx context.Context, room ref.RoomID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	allow := false
	err = sqlitex.Execute(conn,
		"SELECT allow_unverified FROM room_policy WHERE room_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{room.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				allow = stmt.ColumnInt(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: reading room policy for %s: %w", room, err)
	}
	return allow, nil
}

// sealToken age-encrypts the access token for storage.
func (s *CredentialStore) sealToken(token *secret.Buffer) ([]byte, error) {
	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("store: sealing token: %w", err)
	}
	if _, err := writer.Write(token.Bytes()); err != nil {
		return nil, fmt.Errorf("store: sealing token: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("store: sealing token: %w", err)
	}
	return sealed.Bytes(), nil
}

// unsealToken decrypts a stored token into a locked buffer.
func (s *CredentialStore) unsealToken(sealed []byte) (*secret.Buffer, error) {
	reader, err := age.Decrypt(bytes.NewReader(sealed), s.identity)
	if err != nil {
		return nil, fmt.Errorf("store: unsealing token: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("store: unsealing token: %w", err)
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("store: protecting token: %w", err)
	}
	return buffer, nil
}
