// Package conflict provides conflict resolution for concurrent edits
// between the local and remote authorities.
//
// Resolution is a pure decision: given the same local record, remote
// record, and policy, Resolve always returns the same outcome. There is
// no randomness and no undefined case.
package conflict

import (
	"time"

	"github.com/fieldkit/fieldsync/internal/models"
)

// Decision is the outcome kind of a resolution.
type Decision string

const (
	DecisionTakeLocal   Decision = "take_local"
	DecisionTakeRemote  Decision = "take_remote"
	DecisionMerge       Decision = "merge"
	DecisionDeferToUser Decision = "defer_to_user"
)

// Conflict pairs the diverged local and remote states of one record.
// Ephemeral: it exists only between detection and resolution.
type Conflict struct {
	LocalID    models.UUID
	Local      *models.Record
	Remote     *models.Record
	DetectedAt int64
}

// Resolution is the decision produced by a policy.
type Resolution struct {
	Decision Decision
	// MergedPayload is set only for DecisionMerge.
	MergedPayload []byte
}

// Detect reports whether the remote state constitutes a conflict with the
// submitted operation. A conflict exists only when the server's version
// advanced independently past the version the client believed it was
// mutating; a plain successor version is an ordinary acknowledgment.
func Detect(baseVersion, serverVersion int64) bool {
	return serverVersion > baseVersion+1
}

// NewConflict builds a Conflict for a diverged record pair.
func NewConflict(local, remote *models.Record) *Conflict {
	return &Conflict{
		LocalID:    local.LocalID,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now().Unix(),
	}
}

// Resolver routes conflicts to the policy registered for the record kind,
// falling back to the default policy.
type Resolver struct {
	defaultPolicy Policy
	byKind        map[string]Policy
}

// NewResolver creates a Resolver with the last-write-wins default policy.
func NewResolver() *Resolver {
	return &Resolver{
		defaultPolicy: LastWriteWins{},
		byKind:        make(map[string]Policy),
	}
}

// SetDefaultPolicy replaces the fallback policy.
func (r *Resolver) SetDefaultPolicy(p Policy) {
	r.defaultPolicy = p
}

// Register installs a policy for a specific record kind. Kinds without a
// registered policy use the default.
func (r *Resolver) Register(kind string, p Policy) {
	r.byKind[kind] = p
}

// Resolve applies the applicable policy to a conflict. ErrInvalidConflict
// is returned when either side is missing or identities differ.
func (r *Resolver) Resolve(c *Conflict) (Resolution, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return Resolution{}, ErrInvalidConflict
	}
	if c.Local.LocalID != c.Remote.LocalID {
		return Resolution{}, ErrIdentityMismatch
	}

	policy := r.defaultPolicy
	if p, ok := r.byKind[c.Local.Kind]; ok {
		policy = p
	}

	return policy.Resolve(c.Local, c.Remote), nil
}

// Log builds the persisted conflict log entry for a resolution.
func (c *Conflict) Log(res Resolution) *models.ConflictLog {
	return &models.ConflictLog{
		LocalID:         c.LocalID,
		LocalVersion:    c.Local.Version,
		RemoteVersion:   c.Remote.Version,
		LocalTimestamp:  c.Local.UpdatedAt,
		RemoteTimestamp: c.Remote.UpdatedAt,
		Resolution:      string(res.Decision),
		DetectedAt:      c.DetectedAt,
	}
}

// Errors
var (
	ErrInvalidConflict  = &Error{Message: "invalid conflict: both records must be non-nil"}
	ErrIdentityMismatch = &Error{Message: "conflict records identify different entities"}
)

// Error represents a conflict resolution error.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
