package strictjson

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCheckDuplicateKeys(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"clean", `{"a":1,"b":{"c":2}}`, ""},
		{"top level", `{"a":1,"a":2}`, `"a"`},
		{"nested", `{"outer":{"x":1,"x":2}}`, `"x"`},
		{"inside array", `[{"k":1},{"k":2,"k":3}]`, `"k"`},
		{"same key different objects", `[{"k":1},{"k":2}]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDuplicateKeys([]byte(tt.input))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected duplicate key error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not name the key %s", err, tt.wantErr)
			}
		})
	}
}

func TestCheckDuplicateKeysPathDiagnostic(t *testing.T) {
	err := CheckDuplicateKeys([]byte(`{"files":[{"ops":{"a":1,"a":2}}]}`))
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
	if !strings.Contains(err.Error(), "$.files[0].ops") {
		t.Errorf("error %q does not carry the JSON path", err)
	}
}

func TestObjectRejectsUnknownKeys(t *testing.T) {
	raw := json.RawMessage(`{"file":"a.py","extra":1}`)
	_, err := Object(raw, "$.edits[0]", map[string]bool{"file": true})
	if err == nil {
		t.Fatal("expected unknown field error")
	}
	if !strings.Contains(err.Error(), "extra") {
		t.Errorf("error %q does not name the unknown field", err)
	}
	m, err := Object(raw, "$.edits[0]", map[string]bool{"file": true, "extra": true})
	if err != nil {
		t.Fatalf("allowed keys rejected: %v", err)
	}
	if len(m) != 2 {
		t.Errorf("expected 2 keys, got %d", len(m))
	}
}

func TestRequiredString(t *testing.T) {
	m := map[string]json.RawMessage{
		"file":  json.RawMessage(`"a.py"`),
		"n":     json.RawMessage(`3`),
		"empty": json.RawMessage(`""`),
	}
	v, err := RequiredString(m, "file", "$")
	if err != nil || v != "a.py" {
		t.Fatalf("got %q, %v", v, err)
	}
	if _, err := RequiredString(m, "missing", "$"); err == nil {
		t.Error("expected error for missing field")
	}
	if _, err := RequiredString(m, "n", "$"); err == nil {
		t.Error("expected error for non-string field")
	}
	if _, err := RequiredString(m, "empty", "$"); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestIntAndString(t *testing.T) {
	if n, err := Int(json.RawMessage(`42`), "$"); err != nil || n != 42 {
		t.Errorf("Int: got %d, %v", n, err)
	}
	if _, err := Int(json.RawMessage(`"42"`), "$"); err == nil {
		t.Error("Int accepted a string")
	}
	if s, err := String(json.RawMessage(`"x"`), "$"); err != nil || s != "x" {
		t.Errorf("String: got %q, %v", s, err)
	}
}
