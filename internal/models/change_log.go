// Package models provides data model definitions for the fieldsync engine.
package models

import "time"

// ChangeLog tracks accepted mutations for auditing and incremental sync.
type ChangeLog struct {
	ID        UUID   `db:"id" json:"id"`
	LocalID   UUID   `db:"local_id" json:"local_id"`
	Operation string `db:"operation" json:"operation"` // create, update, delete
	Version   int64  `db:"version" json:"version"`
	Origin    string `db:"origin" json:"origin"` // local, remote
	Timestamp int64  `db:"timestamp" json:"timestamp"`
}

// TableName returns the table name for ChangeLog.
func (ChangeLog) TableName() string {
	return "change_log"
}

// Time returns the Timestamp as time.Time.
func (c *ChangeLog) Time() time.Time {
	return time.Unix(c.Timestamp, 0)
}
