// Package conflict provides unit tests for conflict resolution.
package conflict

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/fieldkit/fieldsync/internal/models"
)

func record(version int64, updatedAt int64) *models.Record {
	return &models.Record{
		LocalID:   models.UUID("f47ac10b-58cc-4372-a567-0e02b2c3d479"),
		Kind:      "job",
		Payload:   json.RawMessage(`{}`),
		Version:   version,
		UpdatedAt: updatedAt,
	}
}

// TestDetect verifies conflict detection: only an independently advanced
// server version is a conflict, a plain successor is an ordinary ack.
func TestDetect(t *testing.T) {
	tests := []struct {
		name          string
		baseVersion   int64
		serverVersion int64
		want          bool
	}{
		{"plain ack", 2, 3, false},
		{"same version", 2, 2, false},
		{"server advanced independently", 2, 4, true},
		{"server far ahead", 1, 9, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.baseVersion, tt.serverVersion); got != tt.want {
				t.Errorf("Detect(%d, %d) = %v, want %v", tt.baseVersion, tt.serverVersion, got, tt.want)
			}
		})
	}
}

// TestLastWriteWins covers the full decision table including tie-breaks.
func TestLastWriteWins(t *testing.T) {
	tests := []struct {
		name   string
		local  *models.Record
		remote *models.Record
		want   Decision
	}{
		{
			name:   "remote newer timestamp",
			local:  record(2, 100),
			remote: record(3, 101),
			want:   DecisionTakeRemote,
		},
		{
			name:   "local newer timestamp",
			local:  record(2, 200),
			remote: record(5, 100),
			want:   DecisionTakeLocal,
		},
		{
			name:   "timestamp tie, remote higher version",
			local:  record(2, 100),
			remote: record(3, 100),
			want:   DecisionTakeRemote,
		},
		{
			name:   "timestamp tie, local higher version",
			local:  record(4, 100),
			remote: record(3, 100),
			want:   DecisionTakeLocal,
		},
		{
			name:   "exact tie, local wins",
			local:  record(2, 100),
			remote: record(2, 100),
			want:   DecisionTakeLocal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LastWriteWins{}.Resolve(tt.local, tt.remote)
			if got.Decision != tt.want {
				t.Errorf("Resolve() = %s, want %s", got.Decision, tt.want)
			}
		})
	}
}

// TestResolve_deterministic verifies repeated resolution of identical
// inputs returns identical outcomes.
func TestResolve_deterministic(t *testing.T) {
	r := NewResolver()
	c := NewConflict(record(2, 100), record(3, 101))

	first, err := r.Resolve(c)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := r.Resolve(c)
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("resolution changed between runs: %+v vs %+v", first, again)
		}
	}
}

// TestResolve_invalidInputs verifies totality guards.
func TestResolve_invalidInputs(t *testing.T) {
	r := NewResolver()

	if _, err := r.Resolve(nil); err != ErrInvalidConflict {
		t.Errorf("Resolve(nil) error = %v, want ErrInvalidConflict", err)
	}

	if _, err := r.Resolve(&Conflict{Local: record(1, 1)}); err != ErrInvalidConflict {
		t.Errorf("Resolve(missing remote) error = %v, want ErrInvalidConflict", err)
	}

	other := record(1, 1)
	other.LocalID = models.UUID("00000000-0000-4000-8000-000000000000")
	if _, err := r.Resolve(&Conflict{Local: record(1, 1), Remote: other}); err != ErrIdentityMismatch {
		t.Errorf("Resolve(identity mismatch) error = %v, want ErrIdentityMismatch", err)
	}
}

// TestResolver_perKindPolicy verifies kind-specific policies override the
// default and unknown kinds fall back.
func TestResolver_perKindPolicy(t *testing.T) {
	r := NewResolver()
	r.Register("ticket", Manual{})

	local := record(2, 100)
	remote := record(3, 200)

	// Default kind resolves by LWW
	res, err := r.Resolve(NewConflict(local, remote))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Decision != DecisionTakeRemote {
		t.Errorf("default policy decision = %s, want take_remote", res.Decision)
	}

	// Registered kind defers to the user
	local.Kind, remote.Kind = "ticket", "ticket"
	res, err = r.Resolve(NewConflict(local, remote))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Decision != DecisionDeferToUser {
		t.Errorf("ticket policy decision = %s, want defer_to_user", res.Decision)
	}
}

// TestUnionMerge verifies list fields are unioned and other fields follow
// last-write-wins.
func TestUnionMerge(t *testing.T) {
	local := record(2, 100)
	local.Payload = json.RawMessage(`{"title":"local","tags":["a","b"]}`)
	remote := record(3, 200)
	remote.Payload = json.RawMessage(`{"title":"remote","tags":["b","c"]}`)

	res := UnionMerge{ListFields: []string{"tags"}}.Resolve(local, remote)
	if res.Decision != DecisionMerge {
		t.Fatalf("Decision = %s, want merge", res.Decision)
	}

	var merged struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	if err := json.Unmarshal(res.MergedPayload, &merged); err != nil {
		t.Fatalf("merged payload invalid: %v", err)
	}

	// Remote is the LWW winner, so scalar fields come from remote
	if merged.Title != "remote" {
		t.Errorf("title = %q, want remote", merged.Title)
	}
	if !reflect.DeepEqual(merged.Tags, []string{"a", "b", "c"}) {
		t.Errorf("tags = %v, want union [a b c]", merged.Tags)
	}
}

// TestUnionMerge_deterministic verifies byte-identical merges across runs.
func TestUnionMerge_deterministic(t *testing.T) {
	local := record(2, 100)
	local.Payload = json.RawMessage(`{"z":1,"a":2,"tags":["x"]}`)
	remote := record(3, 200)
	remote.Payload = json.RawMessage(`{"m":3,"tags":["y"]}`)

	policy := UnionMerge{ListFields: []string{"tags"}}
	first := policy.Resolve(local, remote)

	for i := 0; i < 5; i++ {
		again := policy.Resolve(local, remote)
		if string(again.MergedPayload) != string(first.MergedPayload) {
			t.Fatalf("merge output changed: %s vs %s", again.MergedPayload, first.MergedPayload)
		}
	}
}

// TestUnionMerge_nonObjectFallsBack verifies the policy stays total for
// payloads it cannot merge.
func TestUnionMerge_nonObjectFallsBack(t *testing.T) {
	local := record(2, 100)
	local.Payload = json.RawMessage(`"just a string"`)
	remote := record(3, 200)

	res := UnionMerge{ListFields: []string{"tags"}}.Resolve(local, remote)
	if res.Decision != DecisionTakeRemote {
		t.Errorf("Decision = %s, want take_remote fallback", res.Decision)
	}
}

// TestConflict_Log verifies the persisted log entry carries both sides.
func TestConflict_Log(t *testing.T) {
	c := NewConflict(record(2, 100), record(3, 200))
	entry := c.Log(Resolution{Decision: DecisionTakeRemote})

	if entry.LocalVersion != 2 || entry.RemoteVersion != 3 {
		t.Errorf("versions = %d/%d", entry.LocalVersion, entry.RemoteVersion)
	}
	if entry.Resolution != "take_remote" {
		t.Errorf("Resolution = %q", entry.Resolution)
	}
	if entry.DetectedAt == 0 {
		t.Error("DetectedAt not set")
	}
}
