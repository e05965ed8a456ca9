// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perch-chat/perch/lib/clock"
	"github.com/perch-chat/perch/lib/secret"
	"github.com/perch-chat/perch/messaging"
	"github.com/perch-chat/perch/protocol"
	"github.com/perch-chat/perch/store"
)

// ErrAlreadyLoggedIn is returned by Login and Restore when a session
// is already active or being established.
var ErrAlreadyLoggedIn = errors.New("session: already logged in")

// defaultRestoreTimeout bounds session restore on startup. A dead
// homeserver must not wedge the client on a spinner; past the bound
// the user gets the login form.
const defaultRestoreTimeout = 15 * time.Second

// Config holds the manager's collaborators.
type Config struct {
	// Store persists credentials and room policy. Required.
	Store *store.CredentialStore

	// Cache, when non-nil, receives sync responses as the handle's
	// room sink.
	Cache *store.RoomCache

	// Connector builds handles from credentials. Required.
	Connector Connector

	// Clock defaults to clock.Real(). Tests inject a fake to drive the
	// restore timeout.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// RestoreTimeout bounds Restore. Zero means 15 seconds.
	RestoreTimeout time.Duration

	// InitialHistoryLimit caps per-room timeline events on initial
	// sync. Zero means the server default.
	InitialHistoryLimit int
}

// Manager owns the protocol handle and serializes session lifecycle
// transitions. Safe for concurrent use.
type Manager struct {
	store          *store.CredentialStore
	cache          *store.RoomCache
	connector      Connector
	clock          clock.Clock
	logger         *slog.Logger
	restoreTimeout time.Duration
	historyLimit   int

	mu           sync.Mutex
	state        protocol.ConnectionState
	handle       protocol.Handle
	watchdogDone chan struct{}
	connecting   bool

	// loggingOut makes logout single-flight: the first caller wins,
	// concurrent callers return immediately with no error.
	loggingOut atomic.Bool

	// syncReady is closed once the first initial sync completes.
	syncReady     chan struct{}
	syncReadyOnce sync.Once

	subMu       sync.Mutex
	subscribers []chan protocol.Event
}

// NewManager builds a manager in the logged-out state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: Config.Store is required")
	}
	if cfg.Connector == nil {
		return nil, fmt.Errorf("session: Config.Connector is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	restoreTimeout := cfg.RestoreTimeout
	if restoreTimeout <= 0 {
		restoreTimeout = defaultRestoreTimeout
	}
	return &Manager{
		store:          cfg.Store,
		cache:          cfg.Cache,
		connector:      cfg.Connector,
		clock:          clk,
		logger:         logger,
		restoreTimeout: restoreTimeout,
		historyLimit:   cfg.InitialHistoryLimit,
		state:          protocol.StateDisconnected,
		syncReady:      make(chan struct{}),
	}, nil
}

// SyncReady is closed once the first initial sync has completed. Feed
// it to collaborators that must not run against a half-synced account,
// such as the verification coordinator.
func (m *Manager) SyncReady() <-chan struct{} {
	return m.syncReady
}

func (m *Manager) markSynced() {
	m.syncReadyOnce.Do(func() { close(m.syncReady) })
}

// State returns the current connection state.
func (m *Manager) State() protocol.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handle returns the active protocol handle, nil when logged out.
func (m *Manager) Handle() protocol.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Subscribe registers a lifecycle event consumer. The channel is
// buffered; a subscriber that stops draining loses events rather than
// stalling the watchdog.
func (m *Manager) Subscribe() <-chan protocol.Event {
	ch := make(chan protocol.Event, 64)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) broadcast(event protocol.Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (m *Manager) setState(state protocol.ConnectionState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// beginTransition reserves the manager for a login or restore attempt.
func (m *Manager) beginTransition() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil || m.connecting {
		return ErrAlreadyLoggedIn
	}
	m.connecting = true
	m.state = protocol.StateConnecting
	return nil
}

// endTransition releases the reservation after a failed attempt.
func (m *Manager) endTransition() {
	m.mu.Lock()
	m.connecting = false
	if m.handle == nil {
		m.state = protocol.StateDisconnected
	}
	m.mu.Unlock()
}

// Login performs a password login, persists the credentials, and
// starts syncing. The password is borrowed; the caller closes it.
func (m *Manager) Login(ctx context.Context, homeserver, username string, password *secret.Buffer) error {
	if err := m.beginTransition(); err != nil {
		return err
	}
	defer m.endTransition()

	// Reuse the install's device ID so the homeserver attaches the
	// new token to the known device and cross-signing trust survives
	// the login cycle.
	deviceID, err := m.store.DeviceID(ctx)
	if err != nil {
		m.logger.Warn("reading stored device ID", "error", err)
	}

	persisted, handle, err := m.connector.Login(ctx, LoginParams{
		Homeserver: homeserver,
		Username:   username,
		Password:   password,
		DeviceID:   deviceID,
	})
	if err != nil {
		return err
	}
	defer persisted.AccessToken.Close()

	if err := m.store.SaveSession(ctx, persisted); err != nil {
		// An unpersistable session would silently log the user out on
		// next startup. Fail the login while the user is watching.
		handle.Close()
		return fmt.Errorf("session: persisting credentials: %w", err)
	}

	m.logger.Info("logged in",
		"user_id", persisted.UserID,
		"device_id", persisted.DeviceID,
		"homeserver", persisted.Homeserver,
	)
	return m.adopt(handle)
}

// Restore re-establishes the persisted session on startup. It returns
// (false, nil) when there is nothing usable to restore — no stored
// session, a corrupt one, or a token the server no longer accepts — in
// all of which the client lands cleanly logged out. The attempt is
// bounded by the configured restore timeout.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if err := m.beginTransition(); err != nil {
		return false, err
	}
	defer m.endTransition()

	persisted, ok, err := m.store.LoadSession(ctx)
	if err != nil {
		// Unusable stored data. Clear it so the next startup does not
		// trip over the same corruption.
		m.logger.Warn("stored session unusable, clearing", "error", err)
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			m.logger.Error("clearing corrupt session", "error", clearErr)
		}
		return false, nil
	}
	if !ok {
		return false, nil
	}
	defer persisted.AccessToken.Close()

	resumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type resumeResult struct {
		handle protocol.Handle
		err    error
	}
	results := make(chan resumeResult, 1)
	go func() {
		handle, err := m.connector.Resume(resumeCtx, persisted)
		results <- resumeResult{handle: handle, err: err}
	}()

	var result resumeResult
	select {
	case result = <-results:
	case <-m.clock.After(m.restoreTimeout):
		cancel()
		// The resume goroutine unblocks promptly once its context is
		// cancelled; reap it so a late handle is not leaked.
		result = <-results
		if result.handle != nil {
			result.handle.Close()
		}
		return false, fmt.Errorf("session: restore timed out after %v", m.restoreTimeout)
	}

	if result.err != nil {
		if messaging.IsAuthFailure(result.err) {
			// The token is dead (device deleted, account deactivated).
			// Clear it and land logged out rather than erroring.
			m.logger.Warn("stored session rejected by server, clearing", "error", result.err)
			if clearErr := m.store.Clear(ctx); clearErr != nil {
				m.logger.Error("clearing rejected session", "error", clearErr)
			}
			return false, nil
		}
		return false, result.err
	}

	m.logger.Info("session restored",
		"user_id", persisted.UserID,
		"device_id", persisted.DeviceID,
	)
	if err := m.adopt(result.handle); err != nil {
		return false, err
	}
	return true, nil
}

// adopt installs a connected handle: starts crypto initialization in
// the background, attaches the watchdog, and starts the sync loop.
func (m *Manager) adopt(handle protocol.Handle) error {
	done := make(chan struct{})
	m.mu.Lock()
	m.handle = handle
	m.watchdogDone = done
	m.mu.Unlock()

	if crypto := handle.Crypto(); crypto != nil {
		// Crypto failure degrades the session instead of killing it:
		// messages still flow, trust queries fail closed until the
		// next successful initialization.
		go func() {
			if err := crypto.Init(context.Background()); err != nil {
				m.logger.Warn("crypto initialization failed, continuing without verification", "error", err)
			}
		}()
	}

	go newWatchdog(m, handle).run(done)

	var sink protocol.RoomSink
	if m.cache != nil {
		sink = m.cache
	}
	if err := handle.StartSync(protocol.SyncConfig{
		InitialHistoryLimit: m.historyLimit,
		Sink:                sink,
	}); err != nil {
		m.detach(handle, done)
		return err
	}
	return nil
}

// detach removes and closes the handle, waiting for the watchdog to
// drain.
func (m *Manager) detach(handle protocol.Handle, done chan struct{}) {
	m.mu.Lock()
	if m.handle == handle {
		m.handle = nil
		m.watchdogDone = nil
	}
	m.mu.Unlock()
	handle.Close()
	if done != nil {
		<-done
	}
}

// Logout tears the session down: server-side token invalidation (best
// effort), crypto store deletion, credential clearing, sync shutdown.
// Concurrent calls collapse into one teardown; the extras return nil
// immediately.
func (m *Manager) Logout(ctx context.Context) error {
	return m.logout(ctx, true)
}

// localLogout is the watchdog's teardown path for a server-forced
// logout: the token is already dead, so the server call is skipped.
func (m *Manager) localLogout(ctx context.Context) error {
	return m.logout(ctx, false)
}

func (m *Manager) logout(ctx context.Context, notifyServer bool) error {
	if !m.loggingOut.CompareAndSwap(false, true) {
		return nil
	}
	defer m.loggingOut.Store(false)

	m.mu.Lock()
	handle := m.handle
	done := m.watchdogDone
	m.handle = nil
	m.watchdogDone = nil
	m.mu.Unlock()
	if handle == nil {
		return nil
	}

	if notifyServer {
		if err := handle.ServerLogout(ctx); err != nil {
			// The token may already be dead — which is one of the
			// reasons users log out. Local cleanup proceeds.
			m.logger.Warn("server logout failed, clearing local session anyway", "error", err)
		}
	}
	if crypto := handle.Crypto(); crypto != nil {
		if err := crypto.DeleteStores(); err != nil {
			m.logger.Warn("deleting crypto stores", "error", err)
		}
	}

	clearErr := m.store.Clear(ctx)
	if clearErr != nil {
		m.logger.Error("clearing credential store", "error", clearErr)
	}

	handle.Close()
	if done != nil {
		<-done
	}
	m.setState(protocol.StateDisconnected)
	m.broadcast(protocol.StateChanged{State: protocol.StateDisconnected})
	m.logger.Info("logged out")
	return clearErr
}

// Close shuts the manager down without clearing credentials, so the
// session restores on next startup. Used for application exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	handle := m.handle
	done := m.watchdogDone
	m.handle = nil
	m.watchdogDone = nil
	m.state = protocol.StateDisconnected
	m.mu.Unlock()

	if handle != nil {
		handle.Close()
		if done != nil {
			<-done
		}
	}
	return nil
}
