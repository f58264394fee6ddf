package session

import (
	"time"

	apperrors "github.com/fieldkit/fieldsync/internal/errors"
	"github.com/fieldkit/fieldsync/internal/models"
	"github.com/fieldkit/fieldsync/internal/sync/conflict"
	"github.com/fieldkit/fieldsync/internal/sync/protocol"
	"github.com/fieldkit/fieldsync/internal/sync/queue"
)

// applyBatchAck applies every per-operation result from a batch
// acknowledgment, then purges anything that crossed the retry ceiling.
func (m *Manager) applyBatchAck(batch *inFlight, ack *protocol.BatchAck) error {
	for i := range ack.Results {
		res := &ack.Results[i]
		op, ok := batch.ops[res.OperationID]
		if !ok {
			m.logger.Warn().Int64("operation_id", res.OperationID).Msg("result for operation not in batch")
			continue
		}

		var err error
		switch res.Status {
		case protocol.ResultSuccess:
			err = m.applySuccess(op, res)
		case protocol.ResultError:
			err = m.applyError(op, res)
		case protocol.ResultConflict:
			err = m.applyConflictResult(op, res)
		default:
			m.logger.Warn().Str("status", string(res.Status)).Msg("unknown result status")
		}
		if err != nil {
			return err
		}
		// Duplicated results for one operation are ignored.
		delete(batch.ops, res.OperationID)
	}

	m.surfaceExhausted()
	return nil
}

// applySuccess finalizes an acknowledged operation: remote ID set-once,
// server version adopted, operation dequeued. A record with later edits
// still queued stays PendingSync rather than Synced.
func (m *Manager) applySuccess(op *models.PendingOperation, res *protocol.OperationResult) error {
	localID := string(op.LocalID)

	if err := m.queue.Acknowledge(op.OperationID, queue.OutcomeSuccess, ""); err != nil {
		return err
	}

	if op.Kind == models.OperationDelete {
		if err := m.store.DeleteRecord(localID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		m.logChange(op.LocalID, string(op.Kind), res.ServerVersion, "local")
		m.events.recordSynced(op.LocalID, res.RemoteID)
		return nil
	}

	if res.RemoteID != "" {
		if err := m.store.AssignRemoteID(localID, res.RemoteID); err != nil {
			return err
		}
	}
	if err := m.store.MarkSynced(localID, res.ServerVersion); err != nil {
		return err
	}

	remaining, err := m.queue.OperationsFor(op.LocalID)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		if err := m.store.SetRecordStatus(localID, models.RecordStatusPendingSync, ""); err != nil {
			return err
		}
	}

	m.logChange(op.LocalID, string(op.Kind), res.ServerVersion, "local")
	m.events.recordSynced(op.LocalID, res.RemoteID)
	return nil
}

// applyError routes a rejected operation. Validation rejections are
// permanent and consume no retries; anything else charges the retry
// budget.
func (m *Manager) applyError(op *models.PendingOperation, res *protocol.OperationResult) error {
	reason := res.ErrorMessage
	if reason == "" {
		reason = res.ErrorCode
	}

	if res.ErrorCode == protocol.ErrorCodeValidation {
		if err := m.queue.Reject(op.OperationID, reason); err != nil {
			return err
		}
		m.events.recordFailed(op.LocalID, reason)
		return nil
	}
	return m.queue.Acknowledge(op.OperationID, queue.OutcomeFailure, reason)
}

// applyConflictResult handles a conflict reported inside a batch ack:
// the server's version advanced past the base this operation was
// submitted against.
func (m *Manager) applyConflictResult(op *models.PendingOperation, res *protocol.OperationResult) error {
	if res.ServerRecord == nil {
		return apperrors.New(apperrors.ErrConflictDetected, "conflict result carries no server record")
	}

	local, err := m.store.GetRecord(string(op.LocalID))
	if err != nil {
		return err
	}
	remote := protocol.RecordFromState(res.ServerRecord)
	if remote.LocalID == "" {
		remote.LocalID = local.LocalID
	}

	return m.resolveConflict(local, remote, []*models.PendingOperation{op})
}

// applyServerDelta merges records changed elsewhere into the local
// store. Deletions arrive as tombstones and remove the record here too;
// records with queued local mutations go through the resolver; the rest
// are applied directly when newer.
func (m *Manager) applyServerDelta(delta *protocol.ServerDelta) error {
	for i := range delta.Records {
		state := &delta.Records[i]
		remote := protocol.RecordFromState(state)

		local, err := m.lookupLocal(state)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				return err
			}
			// Unknown locally: nothing to delete, otherwise adopt the
			// server's record as synced.
			if state.Deleted || remote.LocalID == "" {
				continue
			}
			if err := m.store.ApplyRemote(remote); err != nil {
				return err
			}
			m.logChange(remote.LocalID, "create", remote.Version, "remote")
			continue
		}

		remote.LocalID = local.LocalID

		if state.Deleted {
			if err := m.applyRemoteDelete(local, remote); err != nil {
				return err
			}
			continue
		}

		pending, err := m.queue.OperationsFor(local.LocalID)
		if err != nil {
			return err
		}

		if len(pending) == 0 {
			if remote.Version <= local.Version {
				continue
			}
			if err := m.store.ApplyRemote(remote); err != nil {
				return err
			}
			m.logChange(local.LocalID, "update", remote.Version, "remote")
			continue
		}

		if err := m.resolveConflict(local, remote, pending); err != nil {
			return err
		}
	}
	return nil
}

// applyConflictNotice handles a conflict the authority reports outside a
// batch acknowledgment.
func (m *Manager) applyConflictNotice(notice *protocol.ConflictNotice) error {
	local, err := m.store.GetRecord(notice.LocalID)
	if err != nil {
		return err
	}
	remote := protocol.RecordFromState(&notice.ServerRecord)
	remote.LocalID = local.LocalID

	if notice.ServerRecord.Deleted {
		return m.applyRemoteDelete(local, remote)
	}

	pending, err := m.queue.OperationsFor(local.LocalID)
	if err != nil {
		return err
	}
	return m.resolveConflict(local, remote, pending)
}

// applyRemoteDelete handles a server-side deletion of a record this
// device knows. Without queued local mutations the record is removed
// outright; with them the pair goes through the resolver, where a
// remote win deletes and any local-leaning decision keeps the record
// and resubmits against the server's version.
func (m *Manager) applyRemoteDelete(local, remote *models.Record) error {
	pending, err := m.queue.OperationsFor(local.LocalID)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		if err := m.store.DeleteRecord(string(local.LocalID)); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		m.logChange(local.LocalID, "delete", remote.Version, "remote")
		return nil
	}

	c := conflict.NewConflict(local, remote)
	res, err := m.resolver.Resolve(c)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConflictDetected, "conflict resolution failed", err)
	}
	if err := m.store.CreateConflictLog(c.Log(res)); err != nil {
		return err
	}

	switch res.Decision {
	case conflict.DecisionTakeRemote:
		if err := m.store.DeleteRecord(string(local.LocalID)); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		m.logChange(local.LocalID, "delete", remote.Version, "remote")

	case conflict.DecisionTakeLocal, conflict.DecisionMerge:
		// The local edit survives the remote deletion; resubmit it
		// against the server's last version so it recreates the record.
		if err := m.queue.Rebase(pending[0].OperationID, remote.Version); err != nil {
			return err
		}

	case conflict.DecisionDeferToUser:
		for _, op := range pending {
			if err := m.queue.Discard(op.OperationID); err != nil {
				return err
			}
		}
		if err := m.store.SetRecordStatus(string(local.LocalID), models.RecordStatusSyncError, "conflict awaiting manual resolution"); err != nil {
			return err
		}
		m.events.conflictDeferred(c)
	}

	m.events.conflictResolved(local.LocalID, res.Decision)
	return nil
}

// resolveConflict runs one diverged record pair through the resolver and
// applies the resolution to the store and queue. Every resolution is
// recorded in the conflict log.
func (m *Manager) resolveConflict(local, remote *models.Record, pending []*models.PendingOperation) error {
	c := conflict.NewConflict(local, remote)
	res, err := m.resolver.Resolve(c)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConflictDetected, "conflict resolution failed", err)
	}

	if err := m.store.CreateConflictLog(c.Log(res)); err != nil {
		return err
	}

	switch res.Decision {
	case conflict.DecisionTakeRemote:
		// Server wins: adopt its state first, so a failed apply leaves
		// the queued local mutations intact.
		if err := m.store.ApplyRemote(remote); err != nil {
			return err
		}
		for _, op := range pending {
			if err := m.queue.Discard(op.OperationID); err != nil {
				return err
			}
		}
		m.logChange(local.LocalID, "update", remote.Version, "remote")

	case conflict.DecisionTakeLocal:
		// Local wins: resubmit the queued mutations against the
		// server's advanced version.
		if len(pending) > 0 {
			if err := m.queue.Rebase(pending[0].OperationID, remote.Version); err != nil {
				return err
			}
		}

	case conflict.DecisionMerge:
		// Adopt the server version as the new base, then queue the
		// merged payload as a fresh local edit. Enqueue runs before the
		// payload write so the operation's base is the adopted version.
		if err := m.store.ApplyRemote(remote); err != nil {
			return err
		}
		for _, op := range pending {
			if err := m.queue.Discard(op.OperationID); err != nil {
				return err
			}
		}
		if _, err := m.queue.Enqueue(models.OperationUpdate, local.LocalID, res.MergedPayload); err != nil {
			return err
		}
		if _, err := m.store.UpdateRecordPayload(string(local.LocalID), res.MergedPayload, models.RecordStatusPendingSync); err != nil {
			return err
		}
		m.logChange(local.LocalID, "update", remote.Version, "remote")

	case conflict.DecisionDeferToUser:
		// Park the record for manual resolution; it stays readable and
		// editable locally.
		for _, op := range pending {
			if err := m.queue.Discard(op.OperationID); err != nil {
				return err
			}
		}
		if err := m.store.SetRecordStatus(string(local.LocalID), models.RecordStatusSyncError, "conflict awaiting manual resolution"); err != nil {
			return err
		}
		m.events.conflictDeferred(c)
	}

	m.events.conflictResolved(local.LocalID, res.Decision)
	return nil
}

// lookupLocal finds the local record for a server-side state, by local
// ID when echoed, otherwise by remote ID.
func (m *Manager) lookupLocal(state *protocol.RecordState) (*models.Record, error) {
	if state.LocalID != "" {
		rec, err := m.store.GetRecord(state.LocalID)
		if err == nil || !apperrors.Is(err, apperrors.ErrNotFound) {
			return rec, err
		}
	}
	if state.RemoteID != "" {
		return m.store.GetRecordByRemoteID(state.RemoteID)
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "record not found")
}

func (m *Manager) logChange(localID models.UUID, operation string, version int64, origin string) {
	entry := &models.ChangeLog{
		LocalID:   localID,
		Operation: operation,
		Version:   version,
		Origin:    origin,
		Timestamp: time.Now().Unix(),
	}
	if err := m.store.CreateChangeLog(entry); err != nil {
		m.logger.Warn().Err(err).Str("local_id", string(localID)).Msg("failed to write change log")
	}
}
