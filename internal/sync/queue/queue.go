// Package queue provides the durable pending operation queue for offline
// mutations. Operations are an ordered log keyed by an auto-incrementing
// operation ID; they leave the queue only on acknowledgment by the remote
// authority or after exhausting their retry budget.
package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldkit/fieldsync/internal/db"
	"github.com/fieldkit/fieldsync/internal/errors"
	"github.com/fieldkit/fieldsync/internal/models"
)

// Outcome classifies a per-operation acknowledgment from the remote authority.
type Outcome int

const (
	// OutcomeSuccess removes the operation from the queue.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure keeps the operation queued and charges a retry.
	OutcomeFailure
	// OutcomeConflict leaves the operation queued untouched; the session
	// routes the record pair to the conflict resolver.
	OutcomeConflict
)

// Config holds queue tuning parameters.
type Config struct {
	MaxRetries int // retry ceiling before an operation is purged (default: 5)
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() *Config {
	return &Config{MaxRetries: 5}
}

// Queue is the durable, ordered log of not-yet-acknowledged mutations.
// It owns the pending_operations table; record status transitions go
// through the record store so storage mutation stays in one place.
type Queue struct {
	db      *sql.DB
	records db.RecordStore
	config  *Config
	logger  zerolog.Logger
}

// New creates a Queue over an opened, migrated database.
func New(sqlDB *sql.DB, records db.RecordStore, config *Config, logger zerolog.Logger) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	return &Queue{
		db:      sqlDB,
		records: records,
		config:  config,
		logger:  logger,
	}
}

// Enqueue appends a mutation intent to the log. For creates with no local
// ID yet, a record envelope is created and its fresh local ID returned via
// the operation. Enqueue never blocks on network I/O.
//
// Rapid edits to the same record produce separate entries in enqueue
// order; entries are never reordered or coalesced.
func (q *Queue) Enqueue(kind models.OperationKind, localID models.UUID, payload json.RawMessage) (*models.PendingOperation, error) {
	var baseVersion int64

	switch kind {
	case models.OperationCreate:
		if localID == "" {
			rec := &models.Record{
				Payload: payload,
				Status:  models.RecordStatusPendingSync,
			}
			if err := q.records.CreateRecord(rec); err != nil {
				return nil, err
			}
			localID = rec.LocalID
			baseVersion = rec.Version
		} else {
			rec, err := q.records.GetRecord(string(localID))
			if err != nil {
				return nil, err
			}
			baseVersion = rec.Version
			if err := q.records.SetRecordStatus(string(localID), models.RecordStatusPendingSync, ""); err != nil {
				return nil, err
			}
		}
	case models.OperationUpdate:
		rec, err := q.records.GetRecord(string(localID))
		if err != nil {
			return nil, err
		}
		baseVersion = rec.Version
		if err := q.records.SetRecordStatus(string(localID), models.RecordStatusPendingSync, ""); err != nil {
			return nil, err
		}
	case models.OperationDelete:
		rec, err := q.records.GetRecord(string(localID))
		if err != nil {
			return nil, err
		}
		baseVersion = rec.Version
		if err := q.records.SetRecordStatus(string(localID), models.RecordStatusPendingDelete, ""); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New(errors.ErrInvalid, "unknown operation kind")
	}

	op := &models.PendingOperation{
		Kind:            kind,
		LocalID:         localID,
		PayloadSnapshot: payload,
		BaseVersion:     baseVersion,
		EnqueuedAt:      time.Now().Unix(),
	}

	res, err := q.db.Exec(`
	INSERT INTO pending_operations (kind, local_id, payload_snapshot, base_version, retry_count, last_error, last_attempt_at, enqueued_at)
	VALUES (?, ?, ?, ?, 0, '', 0, ?)
	`, op.Kind, op.LocalID, nullablePayload(op.PayloadSnapshot), op.BaseVersion, op.EnqueuedAt)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enqueue operation", err)
	}

	op.OperationID, err = res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read operation ID", err)
	}

	q.logger.Debug().
		Int64("operation_id", op.OperationID).
		Str("kind", string(kind)).
		Str("local_id", string(localID)).
		Msg("operation enqueued")

	return op, nil
}

func nullablePayload(p json.RawMessage) interface{} {
	if p == nil {
		return nil
	}
	return string(p)
}

// NextBatch returns up to maxItems operations in enqueue order, oldest
// first. The operation_id index keeps this O(batch size) regardless of
// backlog depth.
func (q *Queue) NextBatch(maxItems int) ([]*models.PendingOperation, error) {
	rows, err := q.db.Query(`
	SELECT operation_id, kind, local_id, payload_snapshot, base_version, retry_count, last_error, last_attempt_at, enqueued_at
	FROM pending_operations
	ORDER BY operation_id ASC
	LIMIT ?
	`, maxItems)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read batch", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(rows *sql.Rows) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var payload sql.NullString
	if err := rows.Scan(&op.OperationID, &op.Kind, &op.LocalID, &payload, &op.BaseVersion,
		&op.RetryCount, &op.LastError, &op.LastAttemptAt, &op.EnqueuedAt); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to scan operation", err)
	}
	if payload.Valid {
		op.PayloadSnapshot = json.RawMessage(payload.String)
	}
	return &op, nil
}

// Get returns a single queued operation by ID.
func (q *Queue) Get(operationID int64) (*models.PendingOperation, error) {
	rows, err := q.db.Query(`
	SELECT operation_id, kind, local_id, payload_snapshot, base_version, retry_count, last_error, last_attempt_at, enqueued_at
	FROM pending_operations WHERE operation_id = ?
	`, operationID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read operation", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.New(errors.ErrNotFound, "operation not found")
	}
	return scanOperation(rows)
}

// Acknowledge applies a per-operation outcome from the remote authority.
//
// Success removes the operation. Failure charges a retry and records the
// error. Conflict leaves the operation queued untouched so the resolver
// can decide its fate.
func (q *Queue) Acknowledge(operationID int64, outcome Outcome, reason string) error {
	switch outcome {
	case OutcomeSuccess:
		return q.remove(operationID)

	case OutcomeFailure:
		res, err := q.db.Exec(`
		UPDATE pending_operations
		SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?
		WHERE operation_id = ?
		`, reason, time.Now().Unix(), operationID)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to record failure", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.ErrNotFound, "operation not found")
		}
		q.logger.Warn().
			Int64("operation_id", operationID).
			Str("reason", reason).
			Msg("operation attempt failed")
		return nil

	case OutcomeConflict:
		// Queued entry stays as-is; resolution happens upstream.
		return nil

	default:
		return errors.New(errors.ErrInvalid, "unknown acknowledge outcome")
	}
}

// Reject removes an operation permanently rejected by the remote authority
// and moves its record to SyncError. Validation rejections consume no
// retries: the outcome could never change.
func (q *Queue) Reject(operationID int64, reason string) error {
	op, err := q.Get(operationID)
	if err != nil {
		return err
	}

	if err := q.remove(operationID); err != nil {
		return err
	}

	if err := q.records.SetRecordStatus(string(op.LocalID), models.RecordStatusSyncError, reason); err != nil {
		return err
	}

	q.logger.Warn().
		Int64("operation_id", operationID).
		Str("local_id", string(op.LocalID)).
		Str("reason", reason).
		Msg("operation rejected permanently")
	return nil
}

// Rebase updates an operation's base version after a conflict resolved in
// favor of the local side. The queued payload is untouched; only the
// version the resubmission claims to mutate changes.
func (q *Queue) Rebase(operationID, newBaseVersion int64) error {
	res, err := q.db.Exec(`
	UPDATE pending_operations SET base_version = ? WHERE operation_id = ?
	`, newBaseVersion, operationID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to rebase operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "operation not found")
	}
	return nil
}

// Discard removes an operation without touching the record. Used when a
// conflict resolution supersedes the queued mutation.
func (q *Queue) Discard(operationID int64) error {
	return q.remove(operationID)
}

func (q *Queue) remove(operationID int64) error {
	res, err := q.db.Exec(`DELETE FROM pending_operations WHERE operation_id = ?`, operationID)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to remove operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, "operation not found")
	}
	return nil
}

// PurgeExhausted moves every operation past the retry ceiling out of the
// active queue and transitions the owning record to SyncError. This is a
// deliberate, observable failure, never a silent drop. Returns the local
// IDs of affected records.
func (q *Queue) PurgeExhausted() ([]models.UUID, error) {
	rows, err := q.db.Query(`
	SELECT operation_id, local_id, last_error FROM pending_operations WHERE retry_count >= ?
	`, q.config.MaxRetries)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to find exhausted operations", err)
	}

	type exhausted struct {
		opID    int64
		localID models.UUID
		lastErr string
	}
	var victims []exhausted
	for rows.Next() {
		var v exhausted
		if err := rows.Scan(&v.opID, &v.localID, &v.lastErr); err != nil {
			rows.Close()
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan exhausted operation", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to iterate exhausted operations", err)
	}

	var purged []models.UUID
	for _, v := range victims {
		if err := q.remove(v.opID); err != nil {
			return purged, err
		}
		reason := v.lastErr
		if reason == "" {
			reason = "retry limit exceeded"
		}
		if err := q.records.SetRecordStatus(string(v.localID), models.RecordStatusSyncError,
			errors.New(errors.ErrQueueExhausted, reason).Error()); err != nil {
			return purged, err
		}
		purged = append(purged, v.localID)

		q.logger.Error().
			Int64("operation_id", v.opID).
			Str("local_id", string(v.localID)).
			Int("max_retries", q.config.MaxRetries).
			Msg("operation exhausted retry budget")
	}

	return purged, nil
}

// Size returns the number of queued operations.
func (q *Queue) Size() (int, error) {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_operations`).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "failed to count operations", err)
	}
	return n, nil
}

// OperationsFor returns the queued operations targeting one record, in
// enqueue order.
func (q *Queue) OperationsFor(localID models.UUID) ([]*models.PendingOperation, error) {
	rows, err := q.db.Query(`
	SELECT operation_id, kind, local_id, payload_snapshot, base_version, retry_count, last_error, last_attempt_at, enqueued_at
	FROM pending_operations WHERE local_id = ? ORDER BY operation_id ASC
	`, localID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read operations", err)
	}
	defer rows.Close()

	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Stats returns queue statistics for observability.
func (q *Queue) Stats() (map[string]int, error) {
	stats := map[string]int{
		"total":     0,
		"retrying":  0,
		"exhausted": 0,
	}

	rows, err := q.db.Query(`SELECT retry_count FROM pending_operations`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to read stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var retries int
		if err := rows.Scan(&retries); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to scan stats", err)
		}
		stats["total"]++
		if retries > 0 {
			stats["retrying"]++
		}
		if retries >= q.config.MaxRetries {
			stats["exhausted"]++
		}
	}
	return stats, rows.Err()
}
