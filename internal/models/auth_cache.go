// Package models provides data model definitions for the showtrack offline layer.
package models

import "encoding/json"

// AuthCacheKey is the single slot used for the cached identity snapshot.
const AuthCacheKey = "currentUser"

// AuthCache holds the last known identity/session snapshot so the app can
// keep operating while offline. Overwritten on every successful login or
// identity check, cleared on logout.
type AuthCache struct {
	Key      string          `db:"key" json:"key"`
	Payload  json.RawMessage `db:"payload" json:"payload"`
	CachedAt int64           `db:"cached_at" json:"cached_at"`
}

// TableName returns the table name for AuthCache.
func (AuthCache) TableName() string {
	return "auth_cache"
}
