// Package models provides data model definitions for the showtrack offline layer.
package models

import "time"

// PendingBarcode represents a scanned barcode value captured locally.
// SyncToken is a client-generated correlation token; it never reaches the
// server but ties the record to its queue entry during reconciliation.
type PendingBarcode struct {
	ID          int64  `db:"id" json:"id"`
	Value       string `db:"value" json:"value"`
	LocationID  int64  `db:"location_id" json:"location_id"`
	SyncToken   UUID   `db:"sync_token" json:"sync_token"`
	PendingSync bool   `db:"pending_sync" json:"pending_sync"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingBarcode.
func (PendingBarcode) TableName() string {
	return "barcodes"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (b *PendingBarcode) CreatedAtTime() time.Time {
	return time.Unix(b.CreatedAt, 0)
}
