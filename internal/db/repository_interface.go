// Package db provides repository interfaces for fieldsync data models.
package db

import (
	"encoding/json"

	"github.com/fieldkit/fieldsync/internal/models"
)

// RecordStore defines operations for record envelope persistence.
// This interface allows mocking for testing and keeps components off
// direct storage access.
type RecordStore interface {
	// CreateRecord creates a new record envelope.
	CreateRecord(rec *models.Record) error

	// GetRecord retrieves a record by local ID.
	GetRecord(localID string) (*models.Record, error)

	// GetRecordByRemoteID retrieves a record by its remote authority ID.
	GetRecordByRemoteID(remoteID string) (*models.Record, error)

	// ListRecords returns records with pagination and optional status filter.
	ListRecords(status models.RecordStatus, limit, offset int) ([]*models.Record, error)

	// UpdateRecordPayload applies a local edit.
	UpdateRecordPayload(localID string, payload json.RawMessage, status models.RecordStatus) (*models.Record, error)

	// SetRecordStatus transitions a record's sync status.
	SetRecordStatus(localID string, status models.RecordStatus, lastError string) error

	// AssignRemoteID records the remote authority's identifier, set-once.
	AssignRemoteID(localID, remoteID string) error

	// MarkSynced finalizes a successful acknowledgment.
	MarkSynced(localID string, serverVersion int64) error

	// ApplyRemote overwrites local state with the remote authority's version.
	ApplyRemote(rec *models.Record) error

	// DeleteRecord removes a record permanently.
	DeleteRecord(localID string) error
}

// ConflictLogStore defines operations for conflict log persistence.
type ConflictLogStore interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(log *models.ConflictLog) error

	// ListConflictLogs returns conflict log entries, newest first.
	ListConflictLogs(limit int) ([]*models.ConflictLog, error)
}

// ChangeLogStore defines operations for change log persistence.
type ChangeLogStore interface {
	// CreateChangeLog creates a new change log entry.
	CreateChangeLog(log *models.ChangeLog) error
}

// CredentialStore defines operations for sync credential persistence.
type CredentialStore interface {
	// SaveCredential stores or replaces the sync credential.
	SaveCredential(cred *models.SyncCredential) error

	// GetCredential returns the enabled sync credential, if any.
	GetCredential() (*models.SyncCredential, error)
}

// SyncStore groups the repositories the sync engine needs.
type SyncStore interface {
	RecordStore
	ConflictLogStore
	ChangeLogStore
	CredentialStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordStore      = (*Repository)(nil)
	_ ConflictLogStore = (*Repository)(nil)
	_ ChangeLogStore   = (*Repository)(nil)
	_ CredentialStore  = (*Repository)(nil)
	_ SyncStore        = (*Repository)(nil)
)
