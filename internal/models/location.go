// Package models provides data model definitions for the showtrack offline layer.
package models

import "time"

// PendingLocation represents a showroom location captured locally.
// While PendingSync is true the ID is a local auto-assigned key; after
// reconciliation the ID equals the server-assigned identity.
type PendingLocation struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Notes       string `db:"notes" json:"notes,omitempty"`
	ImagePath   string `db:"image_path" json:"image_path,omitempty"`
	ProjectID   int64  `db:"project_id" json:"project_id"`
	SyncToken   UUID   `db:"sync_token" json:"sync_token"`
	PendingSync bool   `db:"pending_sync" json:"pending_sync"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingLocation.
func (PendingLocation) TableName() string {
	return "locations"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (l *PendingLocation) CreatedAtTime() time.Time {
	return time.Unix(l.CreatedAt, 0)
}
