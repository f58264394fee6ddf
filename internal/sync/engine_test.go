package sync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fieldkit/fieldsync/internal/db"
	"github.com/fieldkit/fieldsync/internal/errors"
	"github.com/fieldkit/fieldsync/internal/logging"
	"github.com/fieldkit/fieldsync/internal/models"
)

func newTestEngine(t *testing.T) (*Engine, *db.Repository) {
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

	return New(sqlDB.DB, repo, DefaultConfig(), nil, logging.Nop()), repo
}

func TestCreateRecord(t *testing.T) {
	e, repo := newTestEngine(t)

	rec, err := e.CreateRecord("note", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	if rec.LocalID == "" {
		t.Fatal("expected assigned local ID")
	}
	if rec.Status != models.RecordStatusPendingSync {
		t.Errorf("status = %s, want pending_sync", rec.Status)
	}

	stored, err := repo.GetRecord(string(rec.LocalID))
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if stored.Kind != "note" || stored.Version != 1 {
		t.Errorf("stored record = %+v", stored)
	}

	if n, _ := e.PendingCount(); n != 1 {
		t.Errorf("pending count = %d, want 1", n)
	}
}

func TestUpdateRecord_basePrecedesEdit(t *testing.T) {
	e, _ := newTestEngine(t)
	q := e.queue

	rec, _ := e.CreateRecord("note", json.RawMessage(`{"v":1}`))

	updated, err := e.UpdateRecord(string(rec.LocalID), json.RawMessage(`{"v":2}`))
	if err != nil {
		t.Fatalf("UpdateRecord() failed: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version after edit = %d, want 2", updated.Version)
	}

	ops, err := q.OperationsFor(rec.LocalID)
	if err != nil {
		t.Fatalf("OperationsFor() failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected create + update queued, got %d", len(ops))
	}
	// The update's base is the version it was applied against, not the
	// bumped one.
	if ops[1].Kind != models.OperationUpdate || ops[1].BaseVersion != 1 {
		t.Errorf("update op = %+v, want base version 1", ops[1])
	}
}

func TestDeleteRecord(t *testing.T) {
	e, repo := newTestEngine(t)

	rec, _ := e.CreateRecord("note", json.RawMessage(`{}`))
	if err := e.DeleteRecord(string(rec.LocalID)); err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}

	stored, _ := repo.GetRecord(string(rec.LocalID))
	if stored.Status != models.RecordStatusPendingDelete {
		t.Errorf("status = %s, want pending_delete", stored.Status)
	}
	if n, _ := e.PendingCount(); n != 2 {
		t.Errorf("pending count = %d, want 2", n)
	}
}

func TestConfigureSyncAndProvider(t *testing.T) {
	e, repo := newTestEngine(t)

	provider := StoredCredentialProvider{Store: repo}
	if _, _, err := provider.Credential(context.Background()); !errors.Is(err, errors.ErrSyncNotConfigured) {
		t.Errorf("expected ErrSyncNotConfigured before setup, got %v", err)
	}

	if err := e.ConfigureSync("wss://sync.example.net/v1", "dev-1", "tok-123"); err != nil {
		t.Fatalf("ConfigureSync() failed: %v", err)
	}

	endpoint, token, err := provider.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential() failed: %v", err)
	}
	if endpoint != "wss://sync.example.net/v1" || token != "tok-123" {
		t.Errorf("credential = %s / %s", endpoint, token)
	}

	cred, err := repo.GetCredential()
	if err != nil {
		t.Fatalf("GetCredential() failed: %v", err)
	}
	if cred.TokenEncrypted == "tok-123" {
		t.Error("token stored in plaintext, want it sealed at rest")
	}
}

func TestConfigureSync_requiresEndpointAndToken(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.ConfigureSync("", "dev", "tok"); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("expected ErrInvalid for empty endpoint, got %v", err)
	}
	if err := e.ConfigureSync("wss://x", "dev", ""); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("expected ErrInvalid for empty token, got %v", err)
	}
}

func TestSync_notConfiguredIsFatal(t *testing.T) {
	e, _ := newTestEngine(t)

	err := e.Sync(context.Background())
	if !errors.Is(err, errors.ErrSyncNotConfigured) {
		t.Fatalf("expected ErrSyncNotConfigured, got %v", err)
	}
}
