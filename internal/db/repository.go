// Package db provides CRUD repository operations for fieldsync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fieldkit/fieldsync/internal/errors"
	"github.com/fieldkit/fieldsync/internal/models"
	"github.com/fieldkit/fieldsync/internal/uuid"
)

// Repository provides persistence for records, logs, and credentials.
// All engine components mutate storage through this type only, which is
// what keeps the single-writer invariant enforceable in one place.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt

	// Serializes mutations; reads are snapshot-consistent under WAL.
	mu sync.Mutex
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

// CreateRecord creates a new record envelope.
// Assigns a fresh local ID when the caller did not provide one.
func (r *Repository) CreateRecord(rec *models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	if rec.LocalID == "" {
		rec.LocalID = models.UUID(uuid.New())
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.Status == "" {
		rec.Status = models.RecordStatusDraft
	}
	if rec.Payload == nil {
		rec.Payload = json.RawMessage(`{}`)
	}

	query := `
	INSERT INTO records (local_id, remote_id, kind, payload, version, status, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, rec.LocalID, rec.RemoteID, rec.Kind, string(rec.Payload),
		rec.Version, rec.Status, rec.LastError, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create record", err)
	}
	return nil
}

// GetRecord retrieves a record by local ID.
func (r *Repository) GetRecord(localID string) (*models.Record, error) {
	query := `
	SELECT local_id, remote_id, kind, payload, version, status, last_error, created_at, updated_at
	FROM records WHERE local_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	return scanRecord(stmt.QueryRow(localID))
}

// GetRecordByRemoteID retrieves a record by its remote authority ID.
func (r *Repository) GetRecordByRemoteID(remoteID string) (*models.Record, error) {
	query := `
	SELECT local_id, remote_id, kind, payload, version, status, last_error, created_at, updated_at
	FROM records WHERE remote_id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	return scanRecord(stmt.QueryRow(remoteID))
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	var rec models.Record
	var payload string
	err := row.Scan(&rec.LocalID, &rec.RemoteID, &rec.Kind, &payload, &rec.Version,
		&rec.Status, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrNotFound, "record not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan record", err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// ListRecords returns records with pagination, optionally filtered by status.
func (r *Repository) ListRecords(status models.RecordStatus, limit, offset int) ([]*models.Record, error) {
	baseQuery := `
	SELECT local_id, remote_id, kind, payload, version, status, last_error, created_at, updated_at
	FROM records
	`
	orderLimit := " ORDER BY created_at DESC LIMIT ? OFFSET ?"

	var query string
	var args []interface{}
	if status != "" {
		query = baseQuery + " WHERE status = ?" + orderLimit
		args = []interface{}{status, limit, offset}
	} else {
		query = baseQuery + orderLimit
		args = []interface{}{limit, offset}
	}

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		var rec models.Record
		var payload string
		if err := rows.Scan(&rec.LocalID, &rec.RemoteID, &rec.Kind, &payload, &rec.Version,
			&rec.Status, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan record", err)
		}
		rec.Payload = json.RawMessage(payload)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// UpdateRecordPayload applies a local edit: new payload, bumped version,
// fresh updated_at. The version check keeps versions monotonic even if a
// stale in-memory copy is written back.
func (r *Repository) UpdateRecordPayload(localID string, payload json.RawMessage, status models.RecordStatus) (*models.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.GetRecord(localID)
	if err != nil {
		return nil, err
	}

	rec.Payload = payload
	rec.Status = status
	rec.Touch()

	query := `
	UPDATE records SET payload = ?, version = ?, status = ?, updated_at = ?
	WHERE local_id = ? AND version < ?
	`
	res, err := r.db.Exec(query, string(rec.Payload), rec.Version, rec.Status, rec.UpdatedAt,
		rec.LocalID, rec.Version)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to update record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.New(errors.ErrConstraint, "stale record version")
	}
	return rec, nil
}

// SetRecordStatus transitions a record's sync status and stores the last
// error for SyncError transitions. Never touches payload or version, so a
// failed record stays readable and editable.
func (r *Repository) SetRecordStatus(localID string, status models.RecordStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `UPDATE records SET status = ?, last_error = ? WHERE local_id = ?`
	res, err := r.db.Exec(query, status, lastError, localID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to set record status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "record not found")
	}
	return nil
}

// AssignRemoteID records the remote authority's identifier for a record.
// The remote ID is set at most once and never changes afterward.
func (r *Repository) AssignRemoteID(localID, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.GetRecord(localID)
	if err != nil {
		return err
	}
	if rec.HasRemoteID() && rec.RemoteID.String != remoteID {
		return errors.New(errors.ErrConstraint, "remote ID already assigned")
	}

	query := `UPDATE records SET remote_id = ? WHERE local_id = ?`
	if _, err := r.db.Exec(query, remoteID, localID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to assign remote ID", err)
	}
	return nil
}

// MarkSynced finalizes a successful acknowledgment: status Synced, server
// version adopted (never lowered), last error cleared.
func (r *Repository) MarkSynced(localID string, serverVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := `
	UPDATE records SET status = ?, version = MAX(version, ?), last_error = ''
	WHERE local_id = ?
	`
	res, err := r.db.Exec(query, models.RecordStatusSynced, serverVersion, localID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to mark record synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "record not found")
	}
	return nil
}

// ApplyRemote overwrites local record state with the remote authority's
// version (TakeRemote resolution or incoming server delta). Inserts the
// record when it does not exist locally. The local version counter rises
// once per offline edit while the server counts only accepted mutations,
// so the remote payload is adopted even when its version number trails
// the local one; the stored version itself never decreases.
func (r *Repository) ApplyRemote(rec *models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.GetRecord(string(rec.LocalID))
	if errors.Is(err, errors.ErrNotFound) {
		now := time.Now().Unix()
		if rec.CreatedAt == 0 {
			rec.CreatedAt = now
		}
		rec.Status = models.RecordStatusSynced
		query := `
		INSERT INTO records (local_id, remote_id, kind, payload, version, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
		`
		if _, err := r.db.Exec(query, rec.LocalID, rec.RemoteID, rec.Kind, string(rec.Payload),
			rec.Version, rec.Status, rec.CreatedAt, rec.UpdatedAt); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to insert remote record", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	query := `
	UPDATE records SET remote_id = ?, payload = ?, version = MAX(version, ?), status = ?, last_error = '', updated_at = ?
	WHERE local_id = ?
	`
	if _, err := r.db.Exec(query, rec.RemoteID, string(rec.Payload), rec.Version,
		models.RecordStatusSynced, rec.UpdatedAt, rec.LocalID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to apply remote record", err)
	}
	return nil
}

// DeleteRecord removes a record permanently. Used after a delete operation
// is acknowledged by the remote authority.
func (r *Repository) DeleteRecord(localID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.Exec(`DELETE FROM pending_operations WHERE local_id = ?`, localID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to clear queue entries", err)
	}
	if _, err := r.db.Exec(`DELETE FROM records WHERE local_id = ?`, localID); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to delete record", err)
	}
	return nil
}

// =====================================================
// Conflict / Change Log Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(log *models.ConflictLog) error {
	if log.ID == "" {
		log.ID = models.UUID(uuid.New())
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = time.Now().Unix()
	}

	query := `
	INSERT INTO conflict_log (id, local_id, local_version, remote_version, local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, log.ID, log.LocalID, log.LocalVersion, log.RemoteVersion,
		log.LocalTimestamp, log.RemoteTimestamp, log.Resolution, log.DetectedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create conflict log", err)
	}
	return nil
}

// ListConflictLogs returns conflict log entries, newest first.
func (r *Repository) ListConflictLogs(limit int) ([]*models.ConflictLog, error) {
	query := `
	SELECT id, local_id, local_version, remote_version, local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC LIMIT ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.LocalID, &l.LocalVersion, &l.RemoteVersion,
			&l.LocalTimestamp, &l.RemoteTimestamp, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan conflict log", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CreateChangeLog creates a new change log entry.
func (r *Repository) CreateChangeLog(log *models.ChangeLog) error {
	if log.ID == "" {
		log.ID = models.UUID(uuid.New())
	}
	if log.Timestamp == 0 {
		log.Timestamp = time.Now().Unix()
	}
	if log.Origin == "" {
		log.Origin = "local"
	}

	query := `
	INSERT INTO change_log (id, local_id, operation, version, origin, timestamp)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, log.ID, log.LocalID, log.Operation, log.Version, log.Origin, log.Timestamp)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create change log", err)
	}
	return nil
}

// =====================================================
// Credential Operations
// =====================================================

// SaveCredential stores or replaces the sync credential.
func (r *Repository) SaveCredential(cred *models.SyncCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	if cred.ID == "" {
		cred.ID = models.UUID(uuid.New())
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	query := `
	INSERT INTO sync_credentials (id, endpoint, device_id, token_encrypted, is_enabled, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		endpoint = excluded.endpoint,
		device_id = excluded.device_id,
		token_encrypted = excluded.token_encrypted,
		is_enabled = excluded.is_enabled,
		updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query, cred.ID, cred.Endpoint, cred.DeviceID, cred.TokenEncrypted,
		cred.IsEnabled, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to save credential", err)
	}
	return nil
}

// GetCredential returns the enabled sync credential, if any.
func (r *Repository) GetCredential() (*models.SyncCredential, error) {
	query := `
	SELECT id, endpoint, device_id, token_encrypted, is_enabled, created_at, updated_at
	FROM sync_credentials WHERE is_enabled = 1 ORDER BY updated_at DESC LIMIT 1
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var cred models.SyncCredential
	err = stmt.QueryRow().Scan(&cred.ID, &cred.Endpoint, &cred.DeviceID, &cred.TokenEncrypted,
		&cred.IsEnabled, &cred.CreatedAt, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrSyncNotConfigured, "no sync credential configured")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load credential", err)
	}
	return &cred, nil
}
