// Package models provides data model definitions for the showtrack offline layer.
package models

import "database/sql/driver"

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	if value == nil {
		*u = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}
