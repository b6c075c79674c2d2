// Package models provides data model definitions for the showtrack offline layer.
package models

import "encoding/json"

// DeadLetter represents a queue entry that was given up on: either the
// server rejected its payload outright or the retry budget was exhausted.
// Dead letters are kept for inspection and are not retried automatically.
type DeadLetter struct {
	ID        int64           `db:"id" json:"id"`
	QueueID   int64           `db:"queue_id" json:"queue_id"`
	Kind      EntityKind      `db:"kind" json:"kind"`
	Token     UUID            `db:"token" json:"token"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Attempts  int             `db:"attempts" json:"attempts"`
	LastError string          `db:"last_error" json:"last_error"`
	FailedAt  int64           `db:"failed_at" json:"failed_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}
