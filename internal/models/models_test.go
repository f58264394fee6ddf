// Package models tests for data model definitions.
package models

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"
)

// TestUUID_Value verifies the Value() method returns the raw string.
func TestUUID_Value(t *testing.T) {
	id := UUID("123e4567-e89b-12d3-a456-426614174000")

	val, err := id.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	if val != "123e4567-e89b-12d3-a456-426614174000" {
		t.Errorf("Value() = %v, want '123e4567-e89b-12d3-a456-426614174000'", val)
	}
}

// TestUUID_Scan_nil verifies nil value handling.
func TestUUID_Scan_nil(t *testing.T) {
	var id UUID
	if err := id.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error = %v", err)
	}

	if id != "" {
		t.Errorf("Scan(nil) = %q, want empty string", id)
	}
}

// TestUUID_Scan_bytes verifies []byte handling.
func TestUUID_Scan_bytes(t *testing.T) {
	var id UUID
	if err := id.Scan([]byte("123e4567-e89b-12d3-a456-426614174000")); err != nil {
		t.Fatalf("Scan([]byte) error = %v", err)
	}

	if id != "123e4567-e89b-12d3-a456-426614174000" {
		t.Errorf("Scan([]byte) = %q, want '123e4567-e89b-12d3-a456-426614174000'", id)
	}
}

// TestUUID_Scan_string verifies string handling.
func TestUUID_Scan_string(t *testing.T) {
	var id UUID
	if err := id.Scan("123e4567-e89b-12d3-a456-426614174000"); err != nil {
		t.Fatalf("Scan(string) error = %v", err)
	}

	if id != "123e4567-e89b-12d3-a456-426614174000" {
		t.Errorf("Scan(string) = %q, want '123e4567-e89b-12d3-a456-426614174000'", id)
	}
}

// TestRecord_Touch verifies UpdatedAt and Version advance together.
func TestRecord_Touch(t *testing.T) {
	rec := &Record{
		LocalID:   UUID("123e4567-e89b-12d3-a456-426614174000"),
		Version:   3,
		UpdatedAt: time.Now().Add(-time.Hour).Unix(),
	}

	before := rec.UpdatedAt
	rec.Touch()

	if rec.Version != 4 {
		t.Errorf("Version = %d, want 4", rec.Version)
	}

	if rec.UpdatedAt <= before {
		t.Errorf("UpdatedAt = %d, want > %d", rec.UpdatedAt, before)
	}
}

// TestRecord_HasRemoteID verifies remote ID presence detection.
func TestRecord_HasRemoteID(t *testing.T) {
	rec := &Record{}
	if rec.HasRemoteID() {
		t.Error("HasRemoteID() = true for record never synced")
	}

	rec.RemoteID = sql.NullString{String: "srv-42", Valid: true}
	if !rec.HasRemoteID() {
		t.Error("HasRemoteID() = false after remote ID assigned")
	}
}

// TestRecord_JSON verifies the token is opaque and the envelope round-trips.
func TestRecord_JSON(t *testing.T) {
	rec := &Record{
		LocalID: UUID("123e4567-e89b-12d3-a456-426614174000"),
		Kind:    "job",
		Payload: json.RawMessage(`{"title":"inspect pump"}`),
		Version: 1,
		Status:  RecordStatusPendingSync,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if decoded.Status != RecordStatusPendingSync {
		t.Errorf("Status = %q, want %q", decoded.Status, RecordStatusPendingSync)
	}

	if string(decoded.Payload) != `{"title":"inspect pump"}` {
		t.Errorf("Payload = %s, want original payload", decoded.Payload)
	}
}

// TestTableNames verifies table name mappings.
func TestTableNames(t *testing.T) {
	tests := []struct {
		name  string
		table string
	}{
		{Record{}.TableName(), "records"},
		{PendingOperation{}.TableName(), "pending_operations"},
		{ConflictLog{}.TableName(), "conflict_log"},
		{ChangeLog{}.TableName(), "change_log"},
		{SyncCredential{}.TableName(), "sync_credentials"},
	}

	for _, tt := range tests {
		if tt.name != tt.table {
			t.Errorf("TableName() = %q, want %q", tt.name, tt.table)
		}
	}
}
