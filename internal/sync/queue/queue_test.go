// Package queue provides unit tests for the durable pending operation queue.
package queue

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/fieldkit/fieldsync/internal/db"
	"github.com/fieldkit/fieldsync/internal/errors"
	"github.com/fieldkit/fieldsync/internal/logging"
	"github.com/fieldkit/fieldsync/internal/models"
)

func newTestQueue(t *testing.T, config *Config) (*Queue, *db.Repository) {
	t.Helper()

	sqlDB, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.NewMigrator(sqlDB.DB).Up(); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	repo := db.NewRepository(sqlDB.DB)
	t.Cleanup(func() { repo.Close() })

	return New(sqlDB.DB, repo, config, logging.Nop()), repo
}

// TestEnqueue_create verifies creates assign a local ID and mark the
// record pending.
func TestEnqueue_create(t *testing.T) {
	q, repo := newTestQueue(t, nil)

	op, err := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{"title":"t"}`))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if op.OperationID == 0 {
		t.Error("expected operation ID to be assigned")
	}
	if op.LocalID == "" {
		t.Error("expected local ID to be assigned for create")
	}
	if op.Kind != models.OperationCreate {
		t.Errorf("Kind = %s", op.Kind)
	}

	rec, err := repo.GetRecord(string(op.LocalID))
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if rec.Status != models.RecordStatusPendingSync {
		t.Errorf("record status = %s, want pending_sync", rec.Status)
	}
}

// TestEnqueue_updateUnknownRecord verifies updates require an existing record.
func TestEnqueue_updateUnknownRecord(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	_, err := q.Enqueue(models.OperationUpdate, "missing", json.RawMessage(`{}`))
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestEnqueue_deleteMarksPendingDelete verifies delete status transition.
func TestEnqueue_deleteMarksPendingDelete(t *testing.T) {
	q, repo := newTestQueue(t, nil)

	op, err := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue(create) failed: %v", err)
	}

	if _, err := q.Enqueue(models.OperationDelete, op.LocalID, nil); err != nil {
		t.Fatalf("Enqueue(delete) failed: %v", err)
	}

	rec, _ := repo.GetRecord(string(op.LocalID))
	if rec.Status != models.RecordStatusPendingDelete {
		t.Errorf("record status = %s, want pending_delete", rec.Status)
	}
}

// TestNextBatch_order verifies enqueue order, oldest first, capped size.
func TestNextBatch_order(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	var ids []int64
	for i := 0; i < 5; i++ {
		op, err := q.Enqueue(models.OperationCreate, "", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ids = append(ids, op.OperationID)
	}

	batch, err := q.NextBatch(3)
	if err != nil {
		t.Fatalf("NextBatch() failed: %v", err)
	}

	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for i, op := range batch {
		if op.OperationID != ids[i] {
			t.Errorf("batch[%d].OperationID = %d, want %d", i, op.OperationID, ids[i])
		}
	}
}

// TestRapidEdits_notCoalesced verifies multiple edits to one record stay
// as separate ordered entries.
func TestRapidEdits_notCoalesced(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	op, err := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatalf("Enqueue(create) failed: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if _, err := q.Enqueue(models.OperationUpdate, op.LocalID, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Enqueue(update %d) failed: %v", i, err)
		}
	}

	ops, err := q.OperationsFor(op.LocalID)
	if err != nil {
		t.Fatalf("OperationsFor() failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("got %d operations, want 3", len(ops))
	}

	// Payload snapshots are immutable per entry
	if string(ops[0].PayloadSnapshot) != `{"n":0}` || string(ops[2].PayloadSnapshot) != `{"n":2}` {
		t.Errorf("snapshots mutated: %s / %s", ops[0].PayloadSnapshot, ops[2].PayloadSnapshot)
	}
}

// TestAcknowledge_success removes the operation.
func TestAcknowledge_success(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	op, _ := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))
	if err := q.Acknowledge(op.OperationID, OutcomeSuccess, ""); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	if n, _ := q.Size(); n != 0 {
		t.Errorf("queue size = %d after success, want 0", n)
	}
}

// TestAcknowledge_failure charges exactly one retry per attempt.
func TestAcknowledge_failure(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	op, _ := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))
	if err := q.Acknowledge(op.OperationID, OutcomeFailure, "connection reset"); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	got, err := q.Get(op.OperationID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.LastError != "connection reset" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.LastAttemptAt == 0 {
		t.Error("LastAttemptAt not recorded")
	}
}

// TestAcknowledge_conflictLeavesQueued verifies conflicts do not consume
// retries or remove the entry.
func TestAcknowledge_conflictLeavesQueued(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	op, _ := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))
	if err := q.Acknowledge(op.OperationID, OutcomeConflict, ""); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}

	got, err := q.Get(op.OperationID)
	if err != nil {
		t.Fatalf("operation should remain queued: %v", err)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
}

func TestRebase(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	op, _ := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))
	if err := q.Rebase(op.OperationID, 7); err != nil {
		t.Fatalf("Rebase() failed: %v", err)
	}

	got, _ := q.Get(op.OperationID)
	if got.BaseVersion != 7 {
		t.Errorf("BaseVersion = %d, want 7", got.BaseVersion)
	}
	if string(got.PayloadSnapshot) != `{}` {
		t.Error("rebase must not touch the payload snapshot")
	}

	if err := q.Rebase(9999, 1); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown operation, got %v", err)
	}
}

// TestReject verifies permanent rejection: no retries consumed, record in
// SyncError, operation gone.
func TestReject(t *testing.T) {
	q, repo := newTestQueue(t, nil)

	op, _ := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))
	if err := q.Reject(op.OperationID, "missing required field"); err != nil {
		t.Fatalf("Reject() failed: %v", err)
	}

	if _, err := q.Get(op.OperationID); !errors.Is(err, errors.ErrNotFound) {
		t.Error("rejected operation should be removed")
	}

	rec, _ := repo.GetRecord(string(op.LocalID))
	if rec.Status != models.RecordStatusSyncError {
		t.Errorf("record status = %s, want sync_error", rec.Status)
	}
	if rec.LastError != "missing required field" {
		t.Errorf("LastError = %q", rec.LastError)
	}
}

// TestPurgeExhausted verifies removal after exactly MaxRetries failed
// attempts and the observable SyncError transition.
func TestPurgeExhausted(t *testing.T) {
	q, repo := newTestQueue(t, &Config{MaxRetries: 3})

	op, _ := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))

	// Two failures: not yet exhausted
	for i := 0; i < 2; i++ {
		if err := q.Acknowledge(op.OperationID, OutcomeFailure, "timeout"); err != nil {
			t.Fatalf("Acknowledge() failed: %v", err)
		}
	}
	purged, err := q.PurgeExhausted()
	if err != nil {
		t.Fatalf("PurgeExhausted() failed: %v", err)
	}
	if len(purged) != 0 {
		t.Fatalf("purged %d operations before limit, want 0", len(purged))
	}

	// Third failure reaches the ceiling
	if err := q.Acknowledge(op.OperationID, OutcomeFailure, "timeout"); err != nil {
		t.Fatalf("Acknowledge() failed: %v", err)
	}
	purged, err = q.PurgeExhausted()
	if err != nil {
		t.Fatalf("PurgeExhausted() failed: %v", err)
	}
	if len(purged) != 1 || purged[0] != op.LocalID {
		t.Fatalf("purged = %v, want [%s]", purged, op.LocalID)
	}

	if n, _ := q.Size(); n != 0 {
		t.Errorf("queue size = %d after purge, want 0", n)
	}

	rec, _ := repo.GetRecord(string(op.LocalID))
	if rec.Status != models.RecordStatusSyncError {
		t.Errorf("record status = %s, want sync_error", rec.Status)
	}
}

// TestStats verifies the observability counters.
func TestStats(t *testing.T) {
	q, _ := newTestQueue(t, &Config{MaxRetries: 2})

	a, _ := q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))
	q.Enqueue(models.OperationCreate, "", json.RawMessage(`{}`))
	q.Acknowledge(a.OperationID, OutcomeFailure, "x")

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats["total"] != 2 {
		t.Errorf("total = %d, want 2", stats["total"])
	}
	if stats["retrying"] != 1 {
		t.Errorf("retrying = %d, want 1", stats["retrying"])
	}
	if stats["exhausted"] != 0 {
		t.Errorf("exhausted = %d, want 0", stats["exhausted"])
	}
}
