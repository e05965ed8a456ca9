// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/perch-chat/perch/lib/ref"
	"github.com/perch-chat/perch/lib/sqlitepool"
	"github.com/perch-chat/perch/messaging"
)

// RoomSummary is the cached view of one joined room.
type RoomSummary struct {
	RoomID ref.RoomID
	Name   string

	// Encrypted mirrors the m.room.encryption state event. It never
	// transitions back to false: Matrix rooms cannot disable
	// encryption once enabled.
	Encrypted bool

	// LastEventID and LastActivityTS track the newest timeline event
	// seen, for room list ordering.
	LastEventID    ref.EventID
	LastActivityTS int64
}

// roomRecord is the CBOR wire form of a summary. Integer keys keep the
// blobs small; adding a field is backward compatible because decoding
// zero-fills missing keys and ignores unknown ones. The room ID lives
// in the table key, not the blob.
type roomRecord struct {
	Name           string `cbor:"1,keyasint,omitempty"`
	Encrypted      bool   `cbor:"2,keyasint,omitempty"`
	LastEventID    string `cbor:"3,keyasint,omitempty"`
	LastActivityTS int64  `cbor:"4,keyasint,omitempty"`
}

func (r roomRecord) toSummary(roomID ref.RoomID) (RoomSummary, error) {
	summary := RoomSummary{
		RoomID:         roomID,
		Name:           r.Name,
		Encrypted:      r.Encrypted,
		LastActivityTS: r.LastActivityTS,
	}
	if r.LastEventID != "" {
		eventID, err := ref.ParseEventID(r.LastEventID)
		if err != nil {
			return RoomSummary{}, err
		}
		summary.LastEventID = eventID
	}
	return summary, nil
}

func recordFromSummary(summary *RoomSummary) roomRecord {
	return roomRecord{
		Name:           summary.Name,
		Encrypted:      summary.Encrypted,
		LastEventID:    summary.LastEventID.String(),
		LastActivityTS: summary.LastActivityTS,
	}
}

// RoomCache persists room summaries in the store's shared database.
// It implements protocol.RoomSink.
type RoomCache struct {
	pool    *sqlitepool.Pool
	logger  *slog.Logger
	encMode cbor.EncMode
}

// NewRoomCache builds a cache over the credential store's pool. The
// schema is created by CredentialStore's OnConnect hook.
func NewRoomCache(credStore *CredentialStore) (*RoomCache, error) {
	// Core deterministic encoding: map keys sorted, shortest-form
	// integers. Byte-stable output for identical summaries.
	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("store: cbor encoder: %w", err)
	}
	return &RoomCache{
		pool:    credStore.pool,
		logger:  credStore.logger,
		encMode: encMode,
	}, nil
}

// ApplySync folds a sync response into the cache and returns the rooms
// whose summaries changed.
func (c *RoomCache) ApplySync(ctx context.Context, response *messaging.SyncResponse) ([]ref.RoomID, error) {
	if len(response.Rooms.Join) == 0 && len(response.Rooms.Leave) == 0 {
		return nil, nil
	}

	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var updated []ref.RoomID
	for roomID, joined := range response.Rooms.Join {
		summary, err := c.loadSummary(conn, roomID)
		if err != nil {
			return nil, err
		}
		if summary == nil {
			summary = &RoomSummary{RoomID: roomID}
		}
		if !applyRoomEvents(summary, joined) {
			continue
		}
		if err := c.storeSummary(conn, summary); err != nil {
			return nil, err
		}
		updated = append(updated, roomID)
	}

	for roomID := range response.Rooms.Leave {
		err := sqlitex.Execute(conn, "DELETE FROM rooms WHERE room_id = ?",
			&sqlitex.ExecOptions{Args: []any{roomID.String()}})
		if err != nil {
			return nil, fmt.Errorf("store: dropping left room %s: %w", roomID, err)
		}
		updated = append(updated, roomID)
	}
	return updated, nil
}

// applyRoomEvents folds one room's sync section into the summary,
// reporting whether anything changed. State events are scanned before
// timeline events, matching server delivery order; timeline state
// events (name changes mid-scroll) are folded in too.
func applyRoomEvents(summary *RoomSummary, joined messaging.JoinedRoom) bool {
	changed := false
	fold := func(event messaging.Event) {
		switch event.Type {
		case ref.EventTypeRoomName:
			if name, ok := event.Content["name"].(string); ok && name != summary.Name {
				summary.Name = name
				changed = true
			}
		case ref.EventTypeEncryption:
			if !summary.Encrypted {
				summary.Encrypted = true
				changed = true
			}
		}
	}
	for _, event := range joined.State.Events {
		fold(event)
	}
	for _, event := range joined.Timeline.Events {
		fold(event)
		if !event.EventID.IsZero() && event.OriginServerTS >= summary.LastActivityTS {
			summary.LastEventID = event.EventID
			summary.LastActivityTS = event.OriginServerTS
			changed = true
		}
	}
	return changed
}

func (c *RoomCache) loadSummary(conn *sqlite.Conn, roomID ref.RoomID) (*RoomSummary, error) {
	var blob []byte
	err := sqlitex.Execute(conn, "SELECT data FROM rooms WHERE room_id = ?", &sqlitex.ExecOptions{
		Args: []any{roomID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: reading room %s: %w", roomID, err)
	}
	if blob == nil {
		return nil, nil
	}
	var record roomRecord
	if err := cbor.Unmarshal(blob, &record); err != nil {
		// A corrupt blob is rebuilt from sync rather than surfaced.
		c.logger.Warn("discarding corrupt room summary", "room_id", roomID, "error", err)
		return nil, nil
	}
	summary, err := record.toSummary(roomID)
	if err != nil {
		c.logger.Warn("discarding corrupt room summary", "room_id", roomID, "error", err)
		return nil, nil
	}
	return &summary, nil
}

func (c *RoomCache) storeSummary(conn *sqlite.Conn, summary *RoomSummary) error {
	blob, err := c.encMode.Marshal(recordFromSummary(summary))
	if err != nil {
		return fmt.Errorf("store: encoding room %s: %w", summary.RoomID, err)
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO rooms (room_id, data) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET data = excluded.data",
		&sqlitex.ExecOptions{Args: []any{summary.RoomID.String(), blob}})
	if err != nil {
		return fmt.Errorf("store: writing room %s: %w", summary.RoomID, err)
	}
	return nil
}

// Room returns the cached summary for one room, ok=false when absent.
func (c *RoomCache) Room(ctx context.Context, roomID ref.RoomID) (RoomSummary, bool, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return RoomSummary{}, false, err
	}
	defer c.pool.Put(conn)

	summary, err := c.loadSummary(conn, roomID)
	if err != nil || summary == nil {
		return RoomSummary{}, false, err
	}
	return *summary, true, nil
}

// Rooms returns all cached summaries, newest activity first.
func (c *RoomCache) Rooms(ctx context.Context) ([]RoomSummary, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var summaries []RoomSummary
	err = sqlitex.Execute(conn, "SELECT room_id, data FROM rooms", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rawID := stmt.ColumnText(0)
			roomID, err := ref.ParseRoomID(rawID)
			if err != nil {
				c.logger.Warn("skipping corrupt room row", "room_id", rawID, "error", err)
				return nil
			}
			blob := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, blob)
			var record roomRecord
			if err := cbor.Unmarshal(blob, &record); err != nil {
				c.logger.Warn("skipping corrupt room summary", "room_id", rawID, "error", err)
				return nil
			}
			summary, err := record.toSummary(roomID)
			if err != nil {
				c.logger.Warn("skipping corrupt room summary", "room_id", rawID, "error", err)
				return nil
			}
			summaries = append(summaries, summary)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing rooms: %w", err)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivityTS > summaries[j].LastActivityTS
	})
	return summaries, nil
}
