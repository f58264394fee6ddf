// Package models provides data model definitions for the fieldsync engine.
package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// RecordStatus represents the sync lifecycle state of a record.
type RecordStatus string

const (
	RecordStatusDraft         RecordStatus = "draft"
	RecordStatusPendingSync   RecordStatus = "pending_sync"
	RecordStatusSynced        RecordStatus = "synced"
	RecordStatusSyncError     RecordStatus = "sync_error"
	RecordStatusPendingDelete RecordStatus = "pending_delete"
)

// Record is the envelope the engine keeps for every domain entity.
// The payload is opaque; the engine only reads the envelope fields.
type Record struct {
	LocalID   UUID            `db:"local_id" json:"local_id"`
	RemoteID  sql.NullString  `db:"remote_id" json:"remote_id,omitempty"`
	Kind      string          `db:"kind" json:"kind"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Version   int64           `db:"version" json:"version"`
	Status    RecordStatus    `db:"status" json:"status"`
	LastError string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// HasRemoteID reports whether the remote authority has accepted this record.
func (r *Record) HasRemoteID() bool {
	return r.RemoteID.Valid && r.RemoteID.String != ""
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.Unix(r.CreatedAt, 0)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}

// Touch updates the UpdatedAt timestamp and bumps the version.
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().Unix()
	r.Version++
}
