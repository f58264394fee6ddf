package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fieldkit/fieldsync/internal/db"
	apperrors "github.com/fieldkit/fieldsync/internal/errors"
	"github.com/fieldkit/fieldsync/internal/models"
	"github.com/fieldkit/fieldsync/internal/sync/conflict"
	"github.com/fieldkit/fieldsync/internal/sync/protocol"
	"github.com/fieldkit/fieldsync/internal/sync/queue"
	"github.com/fieldkit/fieldsync/internal/sync/transport"
	"github.com/fieldkit/fieldsync/internal/uuid"
)

// Channel is the transport the session runs over. *transport.Channel
// satisfies it; tests substitute an in-memory pair.
type Channel interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	Receive() <-chan *protocol.Envelope
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a Channel to the sync endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint, credential string) (Channel, error)
}

// CredentialProvider supplies a currently-valid endpoint and credential.
// A rejection of the returned credential is fatal to the session.
type CredentialProvider interface {
	Credential(ctx context.Context) (endpoint, credential string, err error)
}

// WebsocketDialer is the production Dialer over internal/sync/transport.
type WebsocketDialer struct {
	Config transport.Config
	Logger zerolog.Logger
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, endpoint, credential string) (Channel, error) {
	return transport.Dial(ctx, endpoint, credential, d.Config, d.Logger)
}

// Manager owns the single session handle. At most one session is live at
// a time; a Sync call while one is running coalesces into it instead of
// opening a second transport.
type Manager struct {
	config   Config
	logger   zerolog.Logger
	queue    *queue.Queue
	store    db.SyncStore
	resolver *conflict.Resolver
	dialer   Dialer
	creds    CredentialProvider
	events   Events

	mu           sync.Mutex
	state        State
	running      bool
	offlineOnce  *sync.Once
	offlineCh    chan struct{}
	batchesSent  int
	batchesAcked int
}

// NewManager creates a session manager. Events may be set before the
// first Sync call via SetEvents.
func NewManager(q *queue.Queue, store db.SyncStore, resolver *conflict.Resolver, dialer Dialer, creds CredentialProvider, config Config, logger zerolog.Logger) *Manager {
	return &Manager{
		config:   config,
		logger:   logger,
		queue:    q,
		store:    store,
		resolver: resolver,
		dialer:   dialer,
		creds:    creds,
		state:    StateIdle,
	}
}

// SetEvents installs observer callbacks. Not safe to call while a sync
// is running.
func (m *Manager) SetEvents(e Events) {
	m.events = e
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns batch counters for the current or most recent run.
func (m *Manager) Stats() (sent, acked int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchesSent, m.batchesAcked
}

// Sync reconciles the queue with the remote authority. If a session is
// already running the call coalesces into it and returns immediately.
// Transient failures reconnect with exponential backoff and jitter;
// fatal failures (auth, unconfigured sync) surface without retry.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Debug().Msg("sync already running, coalescing request")
		return nil
	}
	m.running = true
	m.offlineOnce = new(sync.Once)
	m.offlineCh = make(chan struct{})
	m.batchesSent = 0
	m.batchesAcked = 0
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		m.setState(StateIdle)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.config.ReconnectInitial
	bo.MaxInterval = m.config.ReconnectMax
	bo.RandomizationFactor = m.config.ReconnectJitter
	bo.MaxElapsedTime = m.config.ReconnectBudget

	attempt := func() error {
		err := m.runSession(ctx)
		if err == nil {
			return nil
		}
		if apperrors.IsFatal(err) || !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		m.logger.Warn().Err(err).Msg("session failed, will reconnect")
		return err
	}
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

// GoOffline moves a running session to Draining and then Closed without
// waiting for outstanding acknowledgments. Unacknowledged operations
// stay queued for the next session. No-op when idle.
func (m *Manager) GoOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offlineOnce != nil {
		once, ch := m.offlineOnce, m.offlineCh
		once.Do(func() { close(ch) })
	}
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	if from != to {
		m.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("session state changed")
		m.events.stateChanged(from, to)
	}
}

// runSession executes one connection attempt end to end.
func (m *Manager) runSession(ctx context.Context) error {
	sessionID := uuid.New()

	m.setState(StateConnecting)
	endpoint, credential, err := m.creds.Credential(ctx)
	if err != nil {
		m.setState(StateFailed)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	ch, err := m.dialer.Dial(dialCtx, endpoint, credential)
	cancel()
	if err != nil {
		m.setState(StateFailed)
		return err
	}
	defer ch.Close()

	m.setState(StateAuthenticating)
	if err := m.authenticate(ctx, ch, sessionID, credential); err != nil {
		m.setState(StateFailed)
		return err
	}

	m.setState(StateActive)
	m.surfaceExhausted()

	err = m.activeLoop(ctx, ch, sessionID)
	if err != nil {
		m.setState(StateFailed)
		return err
	}
	m.setState(StateClosed)
	return nil
}

// authenticate sends StartSync and waits for its acknowledgment within
// the auth timeout.
func (m *Manager) authenticate(ctx context.Context, ch Channel, sessionID, credential string) error {
	count, err := m.queue.Size()
	if err != nil {
		return err
	}

	start := protocol.StartSync{
		SessionID:         sessionID,
		DeviceID:          m.config.DeviceID,
		Credential:        credential,
		DeclaredItemCount: count,
		ProtocolVersion:   protocol.ProtocolVersion,
	}
	env, err := protocol.Encode(protocol.TypeStartSync, sessionID, start, time.Now().Unix())
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, env); err != nil {
		return err
	}

	deadline := time.After(m.config.AuthTimeout)
	for {
		select {
		case env, ok := <-ch.Receive():
			if !ok {
				if err := ch.Err(); err != nil {
					return err
				}
				return apperrors.New(apperrors.ErrTransientNetwork, "connection closed during authentication")
			}
			switch env.Type {
			case protocol.TypeStartSyncAck:
				var ack protocol.StartSyncAck
				if err := env.DecodeData(&ack); err != nil {
					return apperrors.Wrap(apperrors.ErrTransientNetwork, "malformed start ack", err)
				}
				if !ack.Accepted {
					if ack.Reason == protocol.ErrorCodeAuth {
						return apperrors.New(apperrors.ErrAuthExpired, "remote authority rejected credential")
					}
					return apperrors.New(apperrors.ErrTransientNetwork, "session start rejected: "+ack.Reason)
				}
				return nil
			case protocol.TypeHeartbeat:
				m.replyHeartbeat(ctx, ch, sessionID)
			case protocol.TypeError:
				return m.errorNotice(env)
			default:
				m.logger.Warn().Str("type", string(env.Type)).Msg("unexpected message during authentication")
			}
		case <-deadline:
			return apperrors.New(apperrors.ErrTimeout, "authentication timed out")
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.ErrSessionClosed, "sync cancelled", ctx.Err())
		}
	}
}

// inFlight tracks the single unacknowledged batch.
type inFlight struct {
	batchNo int
	ops     map[int64]*models.PendingOperation
}

// activeLoop is the steady state: send one batch, wait for its ack,
// apply results, repeat; interleave server deltas, conflict notices, and
// heartbeats as they arrive. Returns nil on a clean drain or offline
// signal.
func (m *Manager) activeLoop(ctx context.Context, ch Channel, sessionID string) error {
	hb := time.NewTicker(m.config.HeartbeatInterval)
	defer hb.Stop()

	var (
		awaiting    *inFlight
		ackDeadline <-chan time.Time
		drainTimer  <-chan time.Time
		batchNo     int
		missed      int
	)

	sendNext := func() error {
		ops, err := m.queue.NextBatch(m.config.BatchSize)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			awaiting = nil
			ackDeadline = nil
			if drainTimer == nil {
				m.setState(StateDraining)
				drainTimer = time.After(m.config.DrainTimeout)
			}
			return nil
		}
		drainTimer = nil
		m.setState(StateActive)

		batchNo++
		batch := protocol.DataBatch{SessionID: sessionID, BatchNo: batchNo}
		byID := make(map[int64]*models.PendingOperation, len(ops))
		for _, op := range ops {
			remoteID := ""
			recordKind := ""
			updatedAt := op.EnqueuedAt
			if rec, err := m.store.GetRecord(string(op.LocalID)); err == nil {
				if rec.HasRemoteID() {
					remoteID = rec.RemoteID.String
				}
				recordKind = rec.Kind
				updatedAt = rec.UpdatedAt
			}
			wireOp := protocol.OperationFromPending(op, remoteID, updatedAt)
			wireOp.RecordKind = recordKind
			batch.Operations = append(batch.Operations, wireOp)
			byID[op.OperationID] = op
		}

		env, err := protocol.Encode(protocol.TypeDataBatch, sessionID, batch, time.Now().Unix())
		if err != nil {
			return err
		}
		if err := ch.Send(ctx, env); err != nil {
			return err
		}
		awaiting = &inFlight{batchNo: batchNo, ops: byID}
		ackDeadline = time.After(m.config.BatchAckTimeout)
		m.mu.Lock()
		m.batchesSent++
		m.mu.Unlock()
		return nil
	}

	if err := sendNext(); err != nil {
		return err
	}

	for {
		select {
		case env, ok := <-ch.Receive():
			if !ok {
				if err := ch.Err(); err != nil {
					return err
				}
				// Peer closed cleanly; treat as end of session.
				return nil
			}
			switch env.Type {
			case protocol.TypeBatchAck:
				var ack protocol.BatchAck
				if err := env.DecodeData(&ack); err != nil {
					return apperrors.Wrap(apperrors.ErrTransientNetwork, "malformed batch ack", err)
				}
				if awaiting == nil || ack.BatchNo != awaiting.batchNo {
					m.logger.Warn().Int("batch_no", ack.BatchNo).Msg("ignoring ack for unknown batch")
					continue
				}
				if err := m.applyBatchAck(awaiting, &ack); err != nil {
					return err
				}
				m.mu.Lock()
				m.batchesAcked++
				m.mu.Unlock()
				awaiting = nil
				ackDeadline = nil
				if err := sendNext(); err != nil {
					return err
				}

			case protocol.TypeServerDelta:
				var delta protocol.ServerDelta
				if err := env.DecodeData(&delta); err != nil {
					return apperrors.Wrap(apperrors.ErrTransientNetwork, "malformed server delta", err)
				}
				if err := m.applyServerDelta(&delta); err != nil {
					return err
				}
				// Resolutions may have re-queued work.
				if awaiting == nil {
					if err := sendNext(); err != nil {
						return err
					}
				}

			case protocol.TypeConflictNotice:
				var notice protocol.ConflictNotice
				if err := env.DecodeData(&notice); err != nil {
					return apperrors.Wrap(apperrors.ErrTransientNetwork, "malformed conflict notice", err)
				}
				if err := m.applyConflictNotice(&notice); err != nil {
					return err
				}
				if awaiting == nil {
					if err := sendNext(); err != nil {
						return err
					}
				}

			case protocol.TypeHeartbeat:
				m.replyHeartbeat(ctx, ch, sessionID)

			case protocol.TypeHeartbeatAck:
				missed = 0

			case protocol.TypeGoodbye:
				return nil

			case protocol.TypeError:
				return m.errorNotice(env)

			default:
				m.logger.Warn().Str("type", string(env.Type)).Msg("ignoring unknown message type")
			}

		case <-hb.C:
			if missed >= 2 {
				return apperrors.New(apperrors.ErrHeartbeatLost, "two consecutive heartbeats missed")
			}
			env, err := protocol.Encode(protocol.TypeHeartbeat, sessionID, nil, time.Now().Unix())
			if err != nil {
				return err
			}
			if err := ch.Send(ctx, env); err != nil {
				return err
			}
			missed++

		case <-ackDeadline:
			return apperrors.New(apperrors.ErrTimeout, "batch acknowledgment timed out")

		case <-drainTimer:
			return nil

		case <-m.offlineCh:
			m.setState(StateDraining)
			return nil

		case <-ctx.Done():
			return apperrors.Wrap(apperrors.ErrSessionClosed, "sync cancelled", ctx.Err())
		}
	}
}

func (m *Manager) replyHeartbeat(ctx context.Context, ch Channel, sessionID string) {
	env, err := protocol.Encode(protocol.TypeHeartbeatAck, sessionID, nil, time.Now().Unix())
	if err != nil {
		return
	}
	if err := ch.Send(ctx, env); err != nil {
		m.logger.Debug().Err(err).Msg("failed to answer heartbeat")
	}
}

func (m *Manager) errorNotice(env *protocol.Envelope) error {
	var notice protocol.ErrorNotice
	if err := env.DecodeData(&notice); err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "malformed error notice", err)
	}
	switch notice.Code {
	case protocol.ErrorCodeRateLimited:
		return apperrors.New(apperrors.ErrRateLimited, notice.Message)
	case protocol.ErrorCodeAuth:
		return apperrors.New(apperrors.ErrAuthExpired, notice.Message)
	default:
		return apperrors.New(apperrors.ErrTransientNetwork, "remote error: "+notice.Message)
	}
}

// surfaceExhausted purges operations past the retry ceiling and emits a
// failure event per affected record.
func (m *Manager) surfaceExhausted() {
	purged, err := m.queue.PurgeExhausted()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to purge exhausted operations")
		return
	}
	for _, localID := range purged {
		m.events.recordFailed(localID, "retry limit exceeded")
	}
}
