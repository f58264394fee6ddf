package protocol

import (
	"encoding/json"
	"testing"

	"github.com/fieldkit/fieldsync/internal/models"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	batch := DataBatch{
		SessionID: "s-1",
		BatchNo:   3,
		Operations: []Operation{
			{OperationID: 7, Kind: "update", LocalID: "abc", BaseVersion: 2, Payload: json.RawMessage(`{"x":1}`)},
		},
	}

	env, err := Encode(TypeDataBatch, "s-1", batch, 1700000000)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if env.Type != TypeDataBatch {
		t.Errorf("expected type %s, got %s", TypeDataBatch, env.Type)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal envelope failed: %v", err)
	}

	var decoded DataBatch
	if err := back.DecodeData(&decoded); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if decoded.BatchNo != 3 || len(decoded.Operations) != 1 {
		t.Errorf("unexpected batch after round trip: %+v", decoded)
	}
	if decoded.Operations[0].OperationID != 7 {
		t.Errorf("expected operation ID 7, got %d", decoded.Operations[0].OperationID)
	}
}

func TestDecodeDataEmptyPayload(t *testing.T) {
	env := &Envelope{Type: TypeHeartbeat}
	var hb struct{}
	if err := env.DecodeData(&hb); err == nil {
		t.Error("expected error decoding empty payload")
	}
}

func TestRecordFromState(t *testing.T) {
	tests := []struct {
		name       string
		state      RecordState
		wantRemote bool
	}{
		{
			name:       "with remote ID",
			state:      RecordState{LocalID: "l1", RemoteID: "r1", Kind: "note", Version: 4, UpdatedAt: 100},
			wantRemote: true,
		},
		{
			name:       "without remote ID",
			state:      RecordState{LocalID: "l2", Kind: "note", Version: 1},
			wantRemote: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := RecordFromState(&tt.state)
			if string(rec.LocalID) != tt.state.LocalID {
				t.Errorf("expected local ID %s, got %s", tt.state.LocalID, rec.LocalID)
			}
			if rec.HasRemoteID() != tt.wantRemote {
				t.Errorf("expected HasRemoteID %v", tt.wantRemote)
			}
			if rec.Version != tt.state.Version {
				t.Errorf("expected version %d, got %d", tt.state.Version, rec.Version)
			}
		})
	}
}

func TestOperationFromPending(t *testing.T) {
	op := &models.PendingOperation{
		OperationID:     11,
		Kind:            models.OperationUpdate,
		LocalID:         models.UUID("loc"),
		BaseVersion:     5,
		PayloadSnapshot: json.RawMessage(`{"v":2}`),
	}

	wire := OperationFromPending(op, "rem", 1234)
	if wire.OperationID != 11 || wire.Kind != "update" || wire.LocalID != "loc" {
		t.Errorf("unexpected wire operation: %+v", wire)
	}
	if wire.RemoteID != "rem" || wire.BaseVersion != 5 || wire.UpdatedAt != 1234 {
		t.Errorf("unexpected wire operation fields: %+v", wire)
	}
}
