// Package models provides data model definitions for the showtrack offline layer.
package models

import "encoding/json"

// EntityKind identifies which domain entity a queue entry carries.
type EntityKind string

const (
	KindLocation EntityKind = "location"
	KindBarcode  EntityKind = "barcode"
)

// QueueAction identifies the mutation to replay against the server.
type QueueAction string

const (
	ActionCreate QueueAction = "create"
)

// QueueEntry represents a pending mutation awaiting replay.
// Entries are replayed in ascending ID order; the ID doubles as the
// total order of creation.
type QueueEntry struct {
	ID            int64           `db:"id" json:"id"`
	Kind          EntityKind      `db:"kind" json:"kind"`
	Action        QueueAction     `db:"action" json:"action"`
	Token         UUID            `db:"token" json:"token"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Attempts      int             `db:"attempts" json:"attempts"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt     int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "sync_queue"
}
