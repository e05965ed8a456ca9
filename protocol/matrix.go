// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/messaging"
)

// maxSyncRetries is the number of consecutive /sync failures allowed
// before the loop gives up and the handle enters StateError. Each
// retry uses a 1-second server-side timeout so the HTTP round-trip
// itself provides backoff.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold time in
// milliseconds for steady-state /sync calls. 30 seconds matches the
// Matrix client-server spec recommendation.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used after
// a /sync error. Short so the retry completes quickly and the next
// attempt can proceed.
const retryTimeout = 1000

// eventBufferSize is the capacity of the handle's events channel.
// Room-level events are dropped when the buffer is full; lifecycle
// events are never dropped.
const eventBufferSize = 64

// MatrixHandleConfig configures a production handle.
type MatrixHandleConfig struct {
	// Session is the authenticated Matrix session the handle drives.
	Session *messaging.DirectSession

	// Crypto is the encryption provider, nil for a plaintext-only
	// session.
	Crypto Crypto

	// Logger receives sync loop diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// matrixHandle is the production Handle over a DirectSession. The sync
// loop runs on its own goroutine and is the only sender on the events
// channel, so Close can safely close the channel after the loop exits.
type matrixHandle struct {
	session *messaging.DirectSession
	crypto  Crypto
	logger  *slog.Logger

	events chan Event

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMatrixHandle wraps an authenticated session in a Handle. The sync
// loop does not start until StartSync is called.
func NewMatrixHandle(cfg MatrixHandleConfig) (Handle, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("protocol: MatrixHandleConfig.Session is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &matrixHandle{
		session: cfg.Session,
		crypto:  cfg.Crypto,
		logger:  logger,
		events:  make(chan Event, eventBufferSize),
	}, nil
}

func (h *matrixHandle) UserID() ref.UserID     { return h.session.UserID() }
func (h *matrixHandle) DeviceID() ref.DeviceID { return h.session.DeviceID() }
func (h *matrixHandle) Events() <-chan Event   { return h.events }
func (h *matrixHandle) Crypto() Crypto         { return h.crypto }

func (h *matrixHandle) StartSync(cfg SyncConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("protocol: StartSync on closed handle")
	}
	if h.started {
		return fmt.Errorf("protocol: sync loop already started")
	}
	h.started = true

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.syncLoop(ctx, cfg)
	return nil
}

// buildSyncFilter constructs the inline JSON filter for the sync loop:
// lazy-loaded room members, optional timeline cap, no presence or
// account data. Member lazy loading keeps the initial sync of large
// rooms proportional to the senders in the visible window rather than
// the full membership.
func buildSyncFilter(historyLimit int) string {
	timeline := map[string]any{
		"lazy_load_members": true,
	}
	if historyLimit > 0 {
		timeline["limit"] = historyLimit
	}
	top := map[string]any{
		"room": map[string]any{
			"timeline": timeline,
			"state":    map[string]any{"lazy_load_members": true},
		},
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	data, _ := json.Marshal(top)
	return string(data)
}

// syncLoop is the handle's only event emitter. It runs the initial
// sync, then long-polls until cancelled, the retry budget is
// exhausted, or the server rejects the access token.
func (h *matrixHandle) syncLoop(ctx context.Context, cfg SyncConfig) {
	defer close(h.done)

	h.emit(ctx, StateChanged{State: StateSyncingInitial})

	filter := buildSyncFilter(cfg.InitialHistoryLimit)
	var (
		nextBatch   string
		initialDone bool
		syncRetries int
	)
	for {
		if ctx.Err() != nil {
			h.emit(ctx, StateChanged{State: StateDisconnected})
			return
		}

		// Initial sync returns immediately (timeout=0) so the client
		// reaches Live as fast as the server can answer. On retry
		// after an error, a short server-side timeout provides
		// backoff. Otherwise hold the long poll open.
		syncTimeout := longPollTimeout
		if !initialDone || syncRetries > 0 {
			syncTimeout = retryTimeout
		}
		if !initialDone && syncRetries == 0 {
			syncTimeout = 0
		}
		response, err := h.session.Sync(ctx, messaging.SyncOptions{
			Since:      nextBatch,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				h.emit(ctx, StateChanged{State: StateDisconnected})
				return
			}
			var matrixErr *messaging.MatrixError
			errors.As(err, &matrixErr)
			if matrixErr != nil {
				h.emit(ctx, SyncError{Errcode: matrixErr.Code, HTTPStatus: matrixErr.StatusCode, Err: err})
			} else {
				h.emit(ctx, SyncError{Err: err})
			}
			if messaging.IsAuthFailure(err) {
				// The server no longer honors the token. Stop syncing
				// and report the forced logout; the watchdog owns the
				// local teardown.
				errcode := ""
				if matrixErr != nil {
					errcode = matrixErr.Code
				}
				h.logger.Warn("sync rejected, session invalidated server-side",
					"user_id", h.session.UserID(),
					"errcode", errcode,
				)
				h.emit(ctx, LoggedOut{Errcode: errcode})
				h.emit(ctx, StateChanged{State: StateError, Err: err})
				return
			}
			syncRetries++
			// TCP-level errors (connection reset, EOF) often indicate
			// a poisoned connection in Go's HTTP pool. Drop idle
			// connections so the next attempt opens a fresh socket.
			h.session.CloseIdleConnections()
			if syncRetries > maxSyncRetries {
				h.logger.Error("sync loop giving up",
					"user_id", h.session.UserID(),
					"attempts", syncRetries,
					"error", err,
				)
				h.emit(ctx, StateChanged{State: StateError, Err: fmt.Errorf(
					"sync failed %d consecutive times: %w", syncRetries, err)})
				return
			}
			h.logger.Debug("sync error, retrying",
				"attempt", syncRetries,
				"max_attempts", maxSyncRetries,
				"error", err,
			)
			continue
		}
		syncRetries = 0
		nextBatch = response.NextBatch

		h.applyResponse(ctx, cfg.Sink, response)

		if len(response.DeviceLists.Changed) > 0 {
			h.emit(ctx, DevicesUpdated{Users: response.DeviceLists.Changed})
		}

		if !initialDone {
			initialDone = true
			h.logger.Info("initial sync complete",
				"user_id", h.session.UserID(),
				"joined_rooms", len(response.Rooms.Join),
			)
			h.emit(ctx, InitialSyncComplete{})
			h.emit(ctx, StateChanged{State: StateLive})
		}
	}
}

// applyResponse feeds the sync response to the room sink and emits
// RoomUpdated for each room the sink reports as changed. Sink failures
// are logged, not fatal: the cache is advisory.
func (h *matrixHandle) applyResponse(ctx context.Context, sink RoomSink, response *messaging.SyncResponse) {
	if sink == nil {
		return
	}
	updated, err := sink.ApplySync(ctx, response)
	if err != nil {
		h.logger.Warn("room cache update failed", "error", err)
		return
	}
	for _, roomID := range updated {
		h.emitDroppable(RoomUpdated{Room: roomID})
	}
}

// emit delivers a lifecycle event, blocking until the consumer takes
// it or the loop context ends. Lifecycle events are never dropped.
func (h *matrixHandle) emit(ctx context.Context, event Event) {
	select {
	case h.events <- event:
	case <-ctx.Done():
		// One last non-blocking attempt so terminal events written
		// during shutdown still reach a draining consumer.
		select {
		case h.events <- event:
		default:
		}
	}
}

// emitDroppable delivers a room-level event unless the buffer is full.
func (h *matrixHandle) emitDroppable(event Event) {
	select {
	case h.events <- event:
	default:
	}
}

func (h *matrixHandle) SendEvent(ctx context.Context, room ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	return h.session.SendEvent(ctx, room, eventType, content)
}

func (h *matrixHandle) IsRoomEncrypted(ctx context.Context, room ref.RoomID) (bool, error) {
	return h.session.IsRoomEncrypted(ctx, room)
}

func (h *matrixHandle) RoomMembers(ctx context.Context, room ref.RoomID) ([]messaging.RoomMember, error) {
	return h.session.GetRoomMembers(ctx, room)
}

func (h *matrixHandle) AccountDevices(ctx context.Context) ([]messaging.DeviceInfo, error) {
	return h.session.Devices(ctx)
}

func (h *matrixHandle) ServerLogout(ctx context.Context) error {
	return h.session.Logout(ctx)
}

// Close stops the sync loop, waits for it to exit, then closes the
// events channel. Idempotent.
func (h *matrixHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(h.events)
	h.session.CloseIdleConnections()
	return nil
}
