package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindTargetMissing, "node %q not found", "f")
	if KindOf(err) != KindTargetMissing {
		t.Errorf("got %s", KindOf(err))
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindTargetMissing {
		t.Error("KindOf does not see through fmt.Errorf wrapping")
	}
	if KindOf(errors.New("plain")) != KindSerialization {
		t.Error("unclassified errors should fall back to serialization_error")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap(KindIOError, fs.ErrNotExist, "open %s", "a.py")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("wrapped cause lost")
	}
	if KindOf(err) != KindIOError {
		t.Errorf("got %s", KindOf(err))
	}
}

func TestToWireShape(t *testing.T) {
	data, err := json.Marshal(ToWire(New(KindPreconditionFailed, "hash mismatch")))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"error":{"type":"precondition_failed","message":"hash mismatch"}}`
	if string(data) != want {
		t.Errorf("got %s", data)
	}
}
