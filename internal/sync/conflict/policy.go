package conflict

import (
	"encoding/json"

	"github.com/fieldkit/fieldsync/internal/models"
)

// Policy decides the outcome for one diverged record pair. Implementations
// must be pure: the same inputs always produce the same Resolution.
type Policy interface {
	Resolve(local, remote *models.Record) Resolution
}

// LastWriteWins is the default policy: the chronologically later mutation
// wins. Ties break on the higher version; an exact tie goes to the local
// side so the outcome is total and reproducible.
type LastWriteWins struct{}

// Resolve implements Policy.
func (LastWriteWins) Resolve(local, remote *models.Record) Resolution {
	switch {
	case remote.UpdatedAt > local.UpdatedAt:
		return Resolution{Decision: DecisionTakeRemote}
	case local.UpdatedAt > remote.UpdatedAt:
		return Resolution{Decision: DecisionTakeLocal}
	case remote.Version > local.Version:
		return Resolution{Decision: DecisionTakeRemote}
	case local.Version > remote.Version:
		return Resolution{Decision: DecisionTakeLocal}
	default:
		// Exact tie: local wins deterministically.
		return Resolution{Decision: DecisionTakeLocal}
	}
}

// Manual defers every conflict to the user. Records stay locally readable
// and editable while a decision is pending.
type Manual struct{}

// Resolve implements Policy.
func (Manual) Resolve(local, remote *models.Record) Resolution {
	return Resolution{Decision: DecisionDeferToUser}
}

// UnionMerge merges flat JSON object payloads field by field: the named
// list fields are unioned, every other field follows last-write-wins.
// Payloads that fail to parse as objects fall back to LastWriteWins, so
// the policy stays total.
type UnionMerge struct {
	// ListFields names the array-valued fields to union.
	ListFields []string
}

// Resolve implements Policy.
func (p UnionMerge) Resolve(local, remote *models.Record) Resolution {
	var localObj, remoteObj map[string]json.RawMessage
	if err := json.Unmarshal(local.Payload, &localObj); err != nil {
		return LastWriteWins{}.Resolve(local, remote)
	}
	if err := json.Unmarshal(remote.Payload, &remoteObj); err != nil {
		return LastWriteWins{}.Resolve(local, remote)
	}

	// Start from the LWW winner so unnamed fields follow the default rule.
	base := localObj
	other := remoteObj
	if (LastWriteWins{}).Resolve(local, remote).Decision == DecisionTakeRemote {
		base = remoteObj
		other = localObj
	}

	merged := make(map[string]json.RawMessage, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range other {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}

	for _, field := range p.ListFields {
		union, ok := unionLists(localObj[field], remoteObj[field])
		if ok {
			merged[field] = union
		}
	}

	// encoding/json sorts map keys on marshal, so repeated resolutions
	// of the same conflict produce byte-identical payloads.
	payload, err := json.Marshal(merged)
	if err != nil {
		return LastWriteWins{}.Resolve(local, remote)
	}
	return Resolution{Decision: DecisionMerge, MergedPayload: payload}
}

// unionLists merges two JSON arrays of scalars, preserving first-seen
// order from the local side then appending unseen remote elements.
func unionLists(a, b json.RawMessage) (json.RawMessage, bool) {
	var listA, listB []json.RawMessage
	if a != nil {
		if err := json.Unmarshal(a, &listA); err != nil {
			return nil, false
		}
	}
	if b != nil {
		if err := json.Unmarshal(b, &listB); err != nil {
			return nil, false
		}
	}

	seen := make(map[string]bool, len(listA))
	out := make([]json.RawMessage, 0, len(listA)+len(listB))
	for _, v := range listA {
		key := string(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	for _, v := range listB {
		key := string(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}

	merged, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return merged, true
}
