// Package protocol defines the message contract between the engine and
// the remote authority. Every message travels inside an Envelope tagged
// with a type discriminator; payload encoding is JSON.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fieldkit/fieldsync/internal/models"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypeStartSync      MessageType = "start_sync"
	TypeStartSyncAck   MessageType = "start_sync_ack"
	TypeDataBatch      MessageType = "data_batch"
	TypeBatchAck       MessageType = "batch_ack"
	TypeServerDelta    MessageType = "server_delta"
	TypeConflictNotice MessageType = "conflict_notice"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeHeartbeatAck   MessageType = "heartbeat_ack"
	TypeGoodbye        MessageType = "goodbye"
	TypeError          MessageType = "error"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// StartSync opens a session after the transport connects. The declared
// item count lets the authority size its side of the exchange.
type StartSync struct {
	SessionID         string `json:"session_id"`
	DeviceID          string `json:"device_id"`
	Credential        string `json:"credential"`
	DeclaredItemCount int    `json:"declared_item_count"`
	ProtocolVersion   int    `json:"protocol_version"`
}

// StartSyncAck acknowledges session start, or rejects it.
type StartSyncAck struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
	// Reason is set on rejection; "auth" marks a credential rejection,
	// which the engine treats as fatal.
	Reason string `json:"reason,omitempty"`
}

// ProtocolVersion is the current wire contract revision.
const ProtocolVersion = 1

// Operation is one queued mutation inside a DataBatch. OperationID and
// LocalID together key idempotent redelivery: the authority treats a
// replay of an already-applied pair as a no-op success.
type Operation struct {
	OperationID int64           `json:"operation_id"`
	Kind        string          `json:"kind"`
	LocalID     string          `json:"local_id"`
	RemoteID    string          `json:"remote_id,omitempty"`
	RecordKind  string          `json:"record_kind,omitempty"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

// DataBatch carries an ordered slice of pending operations.
type DataBatch struct {
	SessionID  string      `json:"session_id"`
	BatchNo    int         `json:"batch_no"`
	Operations []Operation `json:"operations"`
}

// ResultStatus classifies one operation's outcome inside a BatchAck.
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultError    ResultStatus = "error"
	ResultConflict ResultStatus = "conflict"
)

// OperationResult is the per-operation outcome in a BatchAck.
type OperationResult struct {
	OperationID int64        `json:"operation_id"`
	LocalID     string       `json:"local_id"`
	Status      ResultStatus `json:"status"`
	// RemoteID is assigned by the authority on accepted creates.
	RemoteID string `json:"remote_id,omitempty"`
	// ServerVersion is the authority's version after applying the
	// operation (success) or its current diverged version (conflict).
	ServerVersion int64 `json:"server_version,omitempty"`
	// ErrorCode distinguishes permanent validation rejections from
	// transient failures.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	// ServerRecord carries the authority's state on conflict.
	ServerRecord *RecordState `json:"server_record,omitempty"`
}

// Error codes the authority may attach to a ResultError outcome.
const (
	ErrorCodeValidation = "validation"
	ErrorCodeTransient  = "transient"
)

// BatchAck acknowledges one DataBatch with per-operation results.
type BatchAck struct {
	SessionID string            `json:"session_id"`
	BatchNo   int               `json:"batch_no"`
	Results   []OperationResult `json:"results"`
}

// RecordState is a record envelope as the remote authority sees it.
type RecordState struct {
	LocalID   string          `json:"local_id"`
	RemoteID  string          `json:"remote_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
	Deleted   bool            `json:"deleted,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

// ServerDelta streams changes that originated elsewhere.
type ServerDelta struct {
	SessionID string        `json:"session_id"`
	Records   []RecordState `json:"records"`
}

// ConflictNotice reports a conflict detected by the authority outside a
// batch acknowledgment.
type ConflictNotice struct {
	LocalID      string      `json:"local_id"`
	ServerRecord RecordState `json:"server_record"`
}

// ErrorNotice is a session-scoped failure report from the authority.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by ErrorNotice.
const (
	ErrorCodeRateLimited = "rate_limited"
	ErrorCodeAuth        = "auth"
	ErrorCodeInternal    = "internal"
)

// Encode wraps a message payload in an Envelope.
func Encode(t MessageType, sessionID string, payload interface{}, timestamp int64) (*Envelope, error) {
	env := &Envelope{Type: t, SessionID: sessionID, Timestamp: timestamp}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		env.Data = data
	}
	return env, nil
}

// DecodeData unmarshals an envelope's payload into dst.
func (e *Envelope) DecodeData(dst interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// RecordFromState converts wire state to the local record envelope.
func RecordFromState(s *RecordState) *models.Record {
	rec := &models.Record{
		LocalID:   models.UUID(s.LocalID),
		Kind:      s.Kind,
		Payload:   s.Payload,
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
	}
	if s.RemoteID != "" {
		rec.RemoteID.String = s.RemoteID
		rec.RemoteID.Valid = true
	}
	return rec
}

// OperationFromPending converts a queued operation to its wire form.
func OperationFromPending(op *models.PendingOperation, remoteID string, updatedAt int64) Operation {
	return Operation{
		OperationID: op.OperationID,
		Kind:        string(op.Kind),
		LocalID:     string(op.LocalID),
		RemoteID:    remoteID,
		BaseVersion: op.BaseVersion,
		Payload:     op.PayloadSnapshot,
		UpdatedAt:   updatedAt,
	}
}
