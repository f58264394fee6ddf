// Package models provides data model definitions for the fieldsync engine.
package models

import "time"

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	LocalID         UUID   `db:"local_id" json:"local_id"`
	LocalVersion    int64  `db:"local_version" json:"local_version"`
	RemoteVersion   int64  `db:"remote_version" json:"remote_version"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution"` // take_local, take_remote, merge, defer_to_user
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
