// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perch-chat/perch/lib/clock"
	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/lib/secret"
	"github.com/perch-chat/perch/lib/testutil"
	"github.com/perch-chat/perch/messaging"
	"github.com/perch-chat/perch/protocol"
	"github.com/perch-chat/perch/protocol/protocoltest"
	"github.com/perch-chat/perch/store"
)

const testWait = 5 * time.Second

var (
	testUser   = ref.MustParseUserID("@ada:example.org")
	testDevice = ref.MustParseDeviceID("PERCHDEV")
)

// fakeConnector hands out pre-built fake handles and records the
// parameters it was called with.
type fakeConnector struct {
	mu           sync.Mutex
	loginCalls   []LoginParams
	loginHandle  protocol.Handle
	loginErr     error
	resumeCalls  []store.Session
	resumeHandle protocol.Handle
	resumeErr    error

	// blockResume makes Resume wait for context cancellation,
	// modelling an unreachable homeserver.
	blockResume bool
}

func (c *fakeConnector) Login(ctx context.Context, params LoginParams) (store.Session, protocol.Handle, error) {
	c.mu.Lock()
	c.loginCalls = append(c.loginCalls, params)
	handle := c.loginHandle
	err := c.loginErr
	c.mu.Unlock()
	if err != nil {
		return store.Session{}, nil, err
	}
	token, tokenErr := secret.NewFromString("syt_fresh_token")
	if tokenErr != nil {
		return store.Session{}, nil, tokenErr
	}
	return store.Session{
		Homeserver:  "https://matrix.example.org",
		UserID:      testUser,
		DeviceID:    testDevice,
		AccessToken: token,
	}, handle, nil
}

func (c *fakeConnector) Resume(ctx context.Context, session store.Session) (protocol.Handle, error) {
	c.mu.Lock()
	c.resumeCalls = append(c.resumeCalls, store.Session{
		Homeserver: session.Homeserver,
		UserID:     session.UserID,
		DeviceID:   session.DeviceID,
	})
	handle := c.resumeHandle
	err := c.resumeErr
	block := c.blockResume
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (c *fakeConnector) resumed() []store.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.Session(nil), c.resumeCalls...)
}

type managerFixture struct {
	manager   *Manager
	store     *store.CredentialStore
	connector *fakeConnector
	handle    *protocoltest.Handle
	crypto    *protocoltest.Crypto
	clock     *clock.FakeClock
}

func newFixture(t *testing.T) *managerFixture {
	t.Helper()
	credStore, err := store.Open(store.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { credStore.Close() })

	crypto := protocoltest.NewCrypto()
	handle := protocoltest.NewHandle(testUser, testDevice)
	handle.CryptoProvider = crypto

	connector := &fakeConnector{loginHandle: handle, resumeHandle: handle}
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	manager, err := NewManager(Config{
		Store:          credStore,
		Connector:      connector,
		Clock:          fakeClock,
		RestoreTimeout: 15 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return &managerFixture{
		manager:   manager,
		store:     credStore,
		connector: connector,
		handle:    handle,
		crypto:    crypto,
		clock:     fakeClock,
	}
}

func login(t *testing.T, fixture *managerFixture) {
	t.Helper()
	password, err := secret.NewFromString("hunter2")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	defer password.Close()
	if err := fixture.manager.Login(context.Background(), "https://matrix.example.org", "ada", password); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestLoginPersistsSession(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	login(t, fixture)

	if fixture.manager.Handle() == nil {
		t.Fatal("no handle after login")
	}
	persisted, ok, err := fixture.store.LoadSession(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadSession: ok=%v err=%v", ok, err)
	}
	persisted.AccessToken.Close()
	if persisted.UserID != testUser {
		t.Errorf("persisted user = %v", persisted.UserID)
	}

	// A second login while the session is active is rejected.
	password, _ := secret.NewFromString("hunter2")
	defer password.Close()
	err = fixture.manager.Login(ctx, "https://matrix.example.org", "ada", password)
	if !errors.Is(err, ErrAlreadyLoggedIn) {
		t.Errorf("second login error = %v, want ErrAlreadyLoggedIn", err)
	}
}

func TestLoginReusesStoredDeviceID(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()

	// A previous login cycle leaves the device ID behind even after
	// the credentials are cleared.
	login(t, fixture)
	if err := fixture.manager.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	fixture.handle = protocoltest.NewHandle(testUser, testDevice)
	fixture.connector.loginHandle = fixture.handle
	login(t, fixture)

	calls := fixture.connector.loginCalls
	if len(calls) != 2 {
		t.Fatalf("got %d login calls, want 2", len(calls))
	}
	if calls[1].DeviceID != testDevice {
		t.Errorf("second login device ID = %v, want %v", calls[1].DeviceID, testDevice)
	}
}

func TestLogoutSingleFlight(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	login(t, fixture)

	var group sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		group.Add(1)
		go func(i int) {
			defer group.Done()
			errs[i] = fixture.manager.Logout(ctx)
		}(i)
	}
	group.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("logout %d: %v", i, err)
		}
	}
	if calls := fixture.handle.LogoutCalls(); calls != 1 {
		t.Errorf("server logout called %d times, want 1", calls)
	}
	if calls := fixture.crypto.DeleteCalls(); calls != 1 {
		t.Errorf("crypto stores deleted %d times, want 1", calls)
	}
	if _, ok, _ := fixture.store.LoadSession(ctx); ok {
		t.Error("credentials survived logout")
	}
	if state := fixture.manager.State(); state != protocol.StateDisconnected {
		t.Errorf("state after logout = %v", state)
	}

	// Logout with no session is a no-op.
	if err := fixture.manager.Logout(ctx); err != nil {
		t.Errorf("logout when logged out: %v", err)
	}
}

func TestLogoutServerFailureStillClearsLocal(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	login(t, fixture)

	fixture.handle.SetLogoutError(&messaging.MatrixError{
		Code:       messaging.ErrCodeUnknownToken,
		Message:    "already dead",
		StatusCode: http.StatusUnauthorized,
	})
	if err := fixture.manager.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok, _ := fixture.store.LoadSession(ctx); ok {
		t.Error("credentials survived logout after server failure")
	}
	if calls := fixture.crypto.DeleteCalls(); calls != 1 {
		t.Errorf("crypto stores deleted %d times, want 1", calls)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	login(t, fixture)

	// Application exit: shut down without clearing credentials.
	if err := fixture.manager.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fixture.handle = protocoltest.NewHandle(testUser, testDevice)
	fixture.connector.resumeHandle = fixture.handle
	manager, err := NewManager(Config{
		Store:     fixture.store,
		Connector: fixture.connector,
		Clock:     fixture.clock,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Close()

	restored, err := manager.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !restored {
		t.Fatal("Restore found no session after a clean shutdown")
	}
	resumed := fixture.connector.resumed()
	if len(resumed) != 1 {
		t.Fatalf("got %d resume calls, want 1", len(resumed))
	}
	if resumed[0].UserID != testUser || resumed[0].DeviceID != testDevice {
		t.Errorf("resumed identity = %v/%v", resumed[0].UserID, resumed[0].DeviceID)
	}
	if manager.Handle() == nil {
		t.Error("no handle after restore")
	}
}

func TestRestoreWithNoSession(t *testing.T) {
	fixture := newFixture(t)
	restored, err := fixture.manager.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored {
		t.Fatal("Restore reported success with an empty store")
	}
	if state := fixture.manager.State(); state != protocol.StateDisconnected {
		t.Errorf("state = %v, want disconnected", state)
	}
}

func TestRestoreRejectedTokenClearsStore(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	login(t, fixture)
	fixture.manager.Close()

	fixture.connector.resumeErr = &messaging.MatrixError{
		Code:       messaging.ErrCodeUnknownToken,
		Message:    "device deleted",
		StatusCode: http.StatusUnauthorized,
	}
	manager, err := NewManager(Config{
		Store:     fixture.store,
		Connector: fixture.connector,
		Clock:     fixture.clock,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Close()

	restored, err := manager.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore with dead token errored: %v", err)
	}
	if restored {
		t.Fatal("Restore reported success with a rejected token")
	}
	if _, ok, _ := fixture.store.LoadSession(ctx); ok {
		t.Error("rejected credentials not cleared")
	}
}

func TestRestoreTimesOut(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	login(t, fixture)
	fixture.manager.Close()

	fixture.connector.blockResume = true
	manager, err := NewManager(Config{
		Store:          fixture.store,
		Connector:      fixture.connector,
		Clock:          fixture.clock,
		RestoreTimeout: 15 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Close()

	results := make(chan error, 1)
	go func() {
		_, restoreErr := manager.Restore(ctx)
		results <- restoreErr
	}()

	// Wait for Restore to arm its timeout, then fire it.
	deadline := time.Now().Add(testWait)
	for fixture.clock.PendingWaiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Restore never armed the timeout")
		}
		time.Sleep(time.Millisecond)
	}
	fixture.clock.Advance(15 * time.Second)

	err = testutil.RequireReceive(t, results, testWait, "waiting for Restore to give up")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Restore error = %v, want timeout", err)
	}
	if state := manager.State(); state != protocol.StateDisconnected {
		t.Errorf("state after timeout = %v", state)
	}
}

func TestCryptoInitFailureDegradesGracefully(t *testing.T) {
	fixture := newFixture(t)
	fixture.crypto.InitErr = errors.New("olm store locked")
	login(t, fixture)

	// The session is live despite crypto being down; trust queries
	// against the never-ready provider fail closed elsewhere.
	if fixture.manager.Handle() == nil {
		t.Fatal("login failed because of crypto init")
	}
}

func TestWatchdogTracksConnectionState(t *testing.T) {
	fixture := newFixture(t)
	login(t, fixture)
	events := fixture.manager.Subscribe()

	fixture.handle.Emit(protocol.StateChanged{State: protocol.StateLive})

	event := testutil.RequireReceive(t, events, testWait, "waiting for forwarded StateChanged")
	change, ok := event.(protocol.StateChanged)
	if !ok || change.State != protocol.StateLive {
		t.Fatalf("forwarded event = %#v, want live StateChanged", event)
	}

	deadline := time.Now().Add(testWait)
	for fixture.manager.State() != protocol.StateLive {
		if time.Now().After(deadline) {
			t.Fatal("manager state never reached live")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSyncReadySignalsInitialSyncComplete(t *testing.T) {
	fixture := newFixture(t)
	login(t, fixture)

	select {
	case <-fixture.manager.SyncReady():
		t.Fatal("SyncReady closed before the initial sync completed")
	default:
	}

	fixture.handle.Emit(protocol.InitialSyncComplete{})
	testutil.RequireClosed(t, fixture.manager.SyncReady(), testWait, "waiting for SyncReady")
}

func TestWatchdogHandlesForcedLogout(t *testing.T) {
	fixture := newFixture(t)
	ctx := context.Background()
	login(t, fixture)

	fixture.handle.Emit(protocol.LoggedOut{Errcode: "M_UNKNOWN_TOKEN"})

	deadline := time.Now().Add(testWait)
	for {
		_, ok, _ := fixture.store.LoadSession(ctx)
		if !ok && fixture.manager.Handle() == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("forced logout never completed")
		}
		time.Sleep(time.Millisecond)
	}

	// The token is already dead server-side: no logout call goes out.
	if calls := fixture.handle.LogoutCalls(); calls != 0 {
		t.Errorf("server logout called %d times on forced logout, want 0", calls)
	}
	if calls := fixture.crypto.DeleteCalls(); calls != 1 {
		t.Errorf("crypto stores deleted %d times, want 1", calls)
	}
}
