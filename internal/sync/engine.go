// Package sync ties the engine together: local mutations enter the
// durable queue through the Engine, and Sync drives one session at a
// time against the remote authority. Local reads and writes never block
// on sync state; a record stuck in SyncError stays fully editable.
package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldkit/fieldsync/internal/crypto"
	"github.com/fieldkit/fieldsync/internal/db"
	"github.com/fieldkit/fieldsync/internal/errors"
	"github.com/fieldkit/fieldsync/internal/models"
	"github.com/fieldkit/fieldsync/internal/sync/conflict"
	"github.com/fieldkit/fieldsync/internal/sync/queue"
	"github.com/fieldkit/fieldsync/internal/sync/session"
	"github.com/fieldkit/fieldsync/internal/sync/transport"
)

// Config groups the tunables of every engine component.
type Config struct {
	Session   session.Config
	Queue     *queue.Config
	Transport transport.Config
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		Session:   session.DefaultConfig(),
		Queue:     queue.DefaultConfig(),
		Transport: transport.DefaultConfig(),
	}
}

// Engine is the public entry point of the sync engine.
type Engine struct {
	store    db.SyncStore
	queue    *queue.Queue
	resolver *conflict.Resolver
	manager  *session.Manager
	logger   zerolog.Logger
}

// New creates an Engine over an opened, migrated database. The dialer
// may be nil, in which case the websocket transport is used.
func New(sqlDB *sql.DB, store db.SyncStore, config Config, dialer session.Dialer, logger zerolog.Logger) *Engine {
	q := queue.New(sqlDB, store, config.Queue, logger.With().Str("component", "queue").Logger())
	resolver := conflict.NewResolver()

	if dialer == nil {
		dialer = session.WebsocketDialer{
			Config: config.Transport,
			Logger: logger.With().Str("component", "transport").Logger(),
		}
	}
	creds := StoredCredentialProvider{Store: store}
	manager := session.NewManager(q, store, resolver, dialer, creds, config.Session,
		logger.With().Str("component", "session").Logger())

	return &Engine{
		store:    store,
		queue:    q,
		resolver: resolver,
		manager:  manager,
		logger:   logger,
	}
}

// StoredCredentialProvider supplies the credential saved in the
// database. GetCredential returns ErrSyncNotConfigured when sync has
// never been set up, which the session treats as fatal.
type StoredCredentialProvider struct {
	Store db.CredentialStore
}

// Credential implements session.CredentialProvider.
func (p StoredCredentialProvider) Credential(ctx context.Context) (string, string, error) {
	cred, err := p.Store.GetCredential()
	if err != nil {
		return "", "", err
	}
	token, err := crypto.OpenToken(cred.TokenEncrypted, cred.DeviceID)
	if err != nil {
		return "", "", errors.Wrap(errors.ErrSyncNotConfigured, "stored credential is unreadable, reconfigure sync", err)
	}
	return cred.Endpoint, token, nil
}

// ConfigureSync stores the remote authority endpoint and credential.
// The token is sealed before it hits the database.
func (e *Engine) ConfigureSync(endpoint, deviceID, token string) error {
	if endpoint == "" || token == "" {
		return errors.New(errors.ErrInvalid, "endpoint and token are required")
	}
	sealed, err := crypto.SealToken(token, deviceID)
	if err != nil {
		return err
	}
	return e.store.SaveCredential(&models.SyncCredential{
		Endpoint:       endpoint,
		DeviceID:       deviceID,
		TokenEncrypted: sealed,
		IsEnabled:      true,
	})
}

// RegisterMergePolicy installs a conflict policy for one record kind.
func (e *Engine) RegisterMergePolicy(kind string, policy conflict.Policy) {
	e.resolver.Register(kind, policy)
}

// SetEvents installs session observer callbacks.
func (e *Engine) SetEvents(events session.Events) {
	e.manager.SetEvents(events)
}

// CreateRecord creates a record and queues its Create operation. The
// returned record carries the engine-assigned local ID.
func (e *Engine) CreateRecord(kind string, payload json.RawMessage) (*models.Record, error) {
	rec := &models.Record{
		Kind:    kind,
		Payload: payload,
		Status:  models.RecordStatusDraft,
	}
	if err := e.store.CreateRecord(rec); err != nil {
		return nil, err
	}
	if _, err := e.queue.Enqueue(models.OperationCreate, rec.LocalID, payload); err != nil {
		return nil, err
	}
	e.logChange(rec.LocalID, "create", rec.Version)
	rec.Status = models.RecordStatusPendingSync
	return rec, nil
}

// UpdateRecord applies a local edit and queues its Update operation.
// The operation's base is the version before the edit; rapid edits
// produce separate queue entries in order.
func (e *Engine) UpdateRecord(localID string, payload json.RawMessage) (*models.Record, error) {
	if _, err := e.queue.Enqueue(models.OperationUpdate, models.UUID(localID), payload); err != nil {
		return nil, err
	}
	rec, err := e.store.UpdateRecordPayload(localID, payload, models.RecordStatusPendingSync)
	if err != nil {
		return nil, err
	}
	e.logChange(rec.LocalID, "update", rec.Version)
	return rec, nil
}

// DeleteRecord queues a Delete operation. The record stays visible in
// PendingDelete until the remote authority acknowledges.
func (e *Engine) DeleteRecord(localID string) error {
	rec, err := e.store.GetRecord(localID)
	if err != nil {
		return err
	}
	if _, err := e.queue.Enqueue(models.OperationDelete, rec.LocalID, nil); err != nil {
		return err
	}
	e.logChange(rec.LocalID, "delete", rec.Version)
	return nil
}

// GetRecord returns one record by local ID.
func (e *Engine) GetRecord(localID string) (*models.Record, error) {
	return e.store.GetRecord(localID)
}

// ListRecords returns records, optionally filtered by status.
func (e *Engine) ListRecords(status models.RecordStatus, limit, offset int) ([]*models.Record, error) {
	return e.store.ListRecords(status, limit, offset)
}

// Sync reconciles the queue with the remote authority. A call while a
// session is already running coalesces into it.
func (e *Engine) Sync(ctx context.Context) error {
	return e.manager.Sync(ctx)
}

// GoOffline ends a running session without waiting for outstanding
// acknowledgments. Queued operations are retried on the next session.
func (e *Engine) GoOffline() {
	e.manager.GoOffline()
}

// SessionState returns the current session state.
func (e *Engine) SessionState() session.State {
	return e.manager.State()
}

// Queue exposes the pending operation queue for scheduler maintenance.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// QueueStats returns pending operation counts for observability.
func (e *Engine) QueueStats() (map[string]int, error) {
	return e.queue.Stats()
}

// PendingCount returns the number of queued operations.
func (e *Engine) PendingCount() (int, error) {
	return e.queue.Size()
}

// Conflicts returns recent conflict resolutions, newest first.
func (e *Engine) Conflicts(limit int) ([]*models.ConflictLog, error) {
	return e.store.ListConflictLogs(limit)
}

func (e *Engine) logChange(localID models.UUID, operation string, version int64) {
	entry := &models.ChangeLog{
		LocalID:   localID,
		Operation: operation,
		Version:   version,
		Origin:    "local",
		Timestamp: time.Now().Unix(),
	}
	if err := e.store.CreateChangeLog(entry); err != nil {
		e.logger.Warn().Err(err).Str("local_id", string(localID)).Msg("failed to write change log")
	}
}
