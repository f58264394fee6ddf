// Package session orchestrates one sync session at a time: it opens the
// transport, authenticates, streams queued operations in batches, routes
// conflicts to the resolver, and applies acknowledgments to the record
// store and queue. State transitions are processed one at a time so
// partial updates never interleave.
package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fieldkit/fieldsync/internal/models"
	"github.com/fieldkit/fieldsync/internal/sync/conflict"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateDraining       State = "draining"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

// Config holds session tuning parameters. Timeouts are per-phase; any
// expiry is treated as a transport failure.
type Config struct {
	// DeviceID identifies this device to the remote authority.
	DeviceID string
	// BatchSize caps operations per DataBatch. One batch is in flight
	// at a time.
	BatchSize int
	// ConnectTimeout bounds the transport handshake.
	ConnectTimeout time.Duration
	// AuthTimeout bounds the wait for the StartSync acknowledgment.
	AuthTimeout time.Duration
	// BatchAckTimeout bounds the wait for each batch acknowledgment.
	BatchAckTimeout time.Duration
	// DrainTimeout is how long Draining waits for trailing server
	// deltas before the session closes.
	DrainTimeout time.Duration
	// HeartbeatInterval is the application heartbeat period. Two
	// consecutive missed acks fail the session.
	HeartbeatInterval time.Duration
	// ReconnectInitial and ReconnectMax bound the exponential backoff
	// between reconnect attempts.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// ReconnectJitter randomizes each reconnect delay by this factor
	// in either direction to avoid thundering herds. Zero disables
	// randomization.
	ReconnectJitter float64
	// ReconnectBudget caps total time spent reconnecting before the
	// sync attempt gives up. Zero retries until the context ends.
	ReconnectBudget time.Duration
}

// DefaultConfig returns the standard session configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		ConnectTimeout:    15 * time.Second,
		AuthTimeout:       15 * time.Second,
		BatchAckTimeout:   30 * time.Second,
		DrainTimeout:      2 * time.Second,
		HeartbeatInterval: 20 * time.Second,
		ReconnectInitial:  time.Second,
		ReconnectMax:      2 * time.Minute,
		ReconnectJitter:   backoff.DefaultRandomizationFactor,
		ReconnectBudget:   10 * time.Minute,
	}
}

// Events are optional observer callbacks. All fields may be nil. They
// are invoked from the session goroutine, so handlers must not block.
type Events struct {
	StateChanged     func(from, to State)
	RecordSynced     func(localID models.UUID, remoteID string)
	RecordFailed     func(localID models.UUID, reason string)
	ConflictResolved func(localID models.UUID, decision conflict.Decision)
	ConflictDeferred func(c *conflict.Conflict)
}

func (e Events) stateChanged(from, to State) {
	if e.StateChanged != nil {
		e.StateChanged(from, to)
	}
}

func (e Events) recordSynced(localID models.UUID, remoteID string) {
	if e.RecordSynced != nil {
		e.RecordSynced(localID, remoteID)
	}
}

func (e Events) recordFailed(localID models.UUID, reason string) {
	if e.RecordFailed != nil {
		e.RecordFailed(localID, reason)
	}
}

func (e Events) conflictResolved(localID models.UUID, decision conflict.Decision) {
	if e.ConflictResolved != nil {
		e.ConflictResolved(localID, decision)
	}
}

func (e Events) conflictDeferred(c *conflict.Conflict) {
	if e.ConflictDeferred != nil {
		e.ConflictDeferred(c)
	}
}
