// Package models provides data model definitions for the fieldsync engine.
package models

import (
	"encoding/json"
	"time"
)

// OperationKind represents the kind of a queued mutation.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// PendingOperation is a durable, not-yet-acknowledged mutation intent.
// The payload snapshot is immutable once enqueued; a later edit to the
// same record produces a new queue entry rather than mutating this one.
type PendingOperation struct {
	OperationID     int64           `db:"operation_id" json:"operation_id"`
	Kind            OperationKind   `db:"kind" json:"kind"`
	LocalID         UUID            `db:"local_id" json:"local_id"`
	PayloadSnapshot json.RawMessage `db:"payload_snapshot" json:"payload_snapshot,omitempty"`
	BaseVersion     int64           `db:"base_version" json:"base_version"`
	RetryCount      int             `db:"retry_count" json:"retry_count"`
	LastError       string          `db:"last_error" json:"last_error,omitempty"`
	LastAttemptAt   int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	EnqueuedAt      int64           `db:"enqueued_at" json:"enqueued_at"`
}

// TableName returns the table name for PendingOperation.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// EnqueuedAtTime returns the EnqueuedAt as time.Time.
func (p *PendingOperation) EnqueuedAtTime() time.Time {
	return time.Unix(p.EnqueuedAt, 0)
}
