package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/fieldkit/fieldsync/internal/sync/conflict"
	"github.com/fieldkit/fieldsync/internal/sync/protocol"
)

// authority is the in-memory system of record. Records are keyed by the
// client-generated local ID; redelivery of an already-applied operation
// is a no-op returning the original result.
type authority struct {
	mu         sync.Mutex
	records    map[string]*protocol.RecordState
	applied    map[string]protocol.OperationResult
	nextRemote int
}

func newAuthority() *authority {
	return &authority{
		records: make(map[string]*protocol.RecordState),
		applied: make(map[string]protocol.OperationResult),
	}
}

// apply executes one operation. The returned delta, when non-nil, is
// the new server state to broadcast to other connected devices.
func (a *authority) apply(op protocol.Operation) (protocol.OperationResult, *protocol.RecordState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := fmt.Sprintf("%s#%d", op.LocalID, op.OperationID)
	if res, ok := a.applied[key]; ok {
		return res, nil
	}

	res := protocol.OperationResult{OperationID: op.OperationID, LocalID: op.LocalID}

	switch op.Kind {
	case "create":
		if rec, ok := a.records[op.LocalID]; ok {
			// Same local ID created twice is a redelivery variant.
			res.Status = protocol.ResultSuccess
			res.RemoteID = rec.RemoteID
			res.ServerVersion = rec.Version
			a.applied[key] = res
			return res, nil
		}
		a.nextRemote++
		rec := &protocol.RecordState{
			LocalID:   op.LocalID,
			RemoteID:  fmt.Sprintf("srv-%d", a.nextRemote),
			Kind:      op.RecordKind,
			Payload:   op.Payload,
			Version:   1,
			UpdatedAt: op.UpdatedAt,
		}
		a.records[op.LocalID] = rec
		res.Status = protocol.ResultSuccess
		res.RemoteID = rec.RemoteID
		res.ServerVersion = rec.Version
		a.applied[key] = res
		return res, cloneState(rec)

	case "update":
		rec, ok := a.records[op.LocalID]
		if !ok {
			res.Status = protocol.ResultError
			res.ErrorCode = protocol.ErrorCodeValidation
			res.ErrorMessage = "unknown record"
			a.applied[key] = res
			return res, nil
		}
		if conflict.Detect(op.BaseVersion, rec.Version) {
			res.Status = protocol.ResultConflict
			res.ServerVersion = rec.Version
			res.ServerRecord = cloneState(rec)
			// Conflicts are not cached: the client may resubmit after
			// resolving, and that attempt must be evaluated fresh.
			return res, nil
		}
		rec.Payload = op.Payload
		rec.Version++
		rec.UpdatedAt = op.UpdatedAt
		res.Status = protocol.ResultSuccess
		res.RemoteID = rec.RemoteID
		res.ServerVersion = rec.Version
		a.applied[key] = res
		return res, cloneState(rec)

	case "delete":
		rec, ok := a.records[op.LocalID]
		if !ok {
			// Already gone; deletes are idempotent.
			res.Status = protocol.ResultSuccess
			a.applied[key] = res
			return res, nil
		}
		if conflict.Detect(op.BaseVersion, rec.Version) {
			res.Status = protocol.ResultConflict
			res.ServerVersion = rec.Version
			res.ServerRecord = cloneState(rec)
			return res, nil
		}
		delete(a.records, op.LocalID)
		res.Status = protocol.ResultSuccess
		res.RemoteID = rec.RemoteID
		res.ServerVersion = rec.Version + 1
		a.applied[key] = res
		tomb := cloneState(rec)
		tomb.Version++
		tomb.Deleted = true
		tomb.UpdatedAt = time.Now().Unix()
		return res, tomb

	default:
		res.Status = protocol.ResultError
		res.ErrorCode = protocol.ErrorCodeValidation
		res.ErrorMessage = "unknown operation kind: " + op.Kind
		a.applied[key] = res
		return res, nil
	}
}

// snapshot returns all current records, for initial delta streaming.
func (a *authority) snapshot() []protocol.RecordState {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]protocol.RecordState, 0, len(a.records))
	for _, rec := range a.records {
		out = append(out, *cloneState(rec))
	}
	return out
}

func cloneState(rec *protocol.RecordState) *protocol.RecordState {
	c := *rec
	return &c
}
