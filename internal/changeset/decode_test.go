package changeset

import (
	"errors"
	"strings"
	"testing"

	"chisel/internal/errs"
)

const okOp = `{"target":{"type":"node","identity":"id1","kind":"function","expected_old_hash":"abc"},"op":{"delete":{}}}`

func mustParse(t *testing.T, payload string) *Changeset {
	t.Helper()
	cs, err := Parse([]byte(payload), Options{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return cs
}

func TestParseSingleFileShape(t *testing.T) {
	cs := mustParse(t, `{"file":"a.py","operations":[`+okOp+`]}`)
	if len(cs.Files) != 1 || cs.Files[0].File != "a.py" {
		t.Fatalf("unexpected files: %+v", cs.Files)
	}
	op := cs.Files[0].Operations[0]
	if op.Target.Kind != TargetNode || op.Op.Kind != OpDelete {
		t.Errorf("unexpected operation: %+v", op)
	}
	if cs.TransactionMode != TransactionAllOrNothing {
		t.Errorf("default transaction mode: %q", cs.TransactionMode)
	}
}

func TestParseMultiFileShape(t *testing.T) {
	cs := mustParse(t, `{"transaction":{"mode":"all_or_nothing"},"files":[
		{"file":"a.py","operations":[`+okOp+`]},
		{"file":"b.py","operations":[`+okOp+`]}]}`)
	if len(cs.Files) != 2 || cs.Files[1].File != "b.py" {
		t.Fatalf("unexpected files: %+v", cs.Files)
	}
}

func TestParseRejections(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantMsg string
	}{
		{"unknown top-level field", `{"file":"a.py","operations":[` + okOp + `],"mode":"x"}`, "unknown field"},
		{"duplicate key", `{"file":"a.py","file":"b.py","operations":[` + okOp + `]}`, "duplicate key"},
		{"file and files", `{"file":"a.py","files":[],"operations":[` + okOp + `]}`, "ambiguous shape"},
		{"files with operations", `{"files":[{"file":"a.py","operations":[` + okOp + `]}],"operations":[]}`, "ambiguous shape"},
		{"files with handle_table", `{"files":[{"file":"a.py","operations":[` + okOp + `]}],"handle_table":{}}`, "ambiguous shape"},
		{"neither file nor files", `{"operations":[` + okOp + `]}`, "requires either"},
		{"empty operations", `{"file":"a.py","operations":[]}`, "must not be empty"},
		{"legacy shape off by default", `{"file":"a.py","edits":[` + okOp + `]}`, "legacy"},
		{"bad transaction mode", `{"transaction":{"mode":"best_effort"},"file":"a.py","operations":[` + okOp + `]}`, "unsupported mode"},
		{"unknown target type", `{"file":"a.py","operations":[{"target":{"type":"offset"},"op":{"delete":{}}}]}`, "unknown target type"},
		{"node target missing hash", `{"file":"a.py","operations":[{"target":{"type":"node","identity":"i","kind":"k"},"op":{"delete":{}}}]}`, "expected_old_hash"},
		{"two op keys", `{"file":"a.py","operations":[{"target":{"type":"node","identity":"i","kind":"k","expected_old_hash":"h"},"op":{"delete":{},"replace":{"new_text":"x"}}}]}`, "exactly one operation"},
		{"unknown op", `{"file":"a.py","operations":[{"target":{"type":"node","identity":"i","kind":"k","expected_old_hash":"h"},"op":{"swap":{}}}]}`, "unknown operation"},
		{"insert off file edge", `{"file":"a.py","operations":[{"target":{"type":"node","identity":"i","kind":"k","expected_old_hash":"h"},"op":{"insert":{"new_text":"x"}}}]}`, "only valid at file_start"},
		{"replace at file edge", `{"file":"a.py","operations":[{"target":{"type":"file_end","expected_file_hash":"h"},"op":{"replace":{"new_text":"x"}}}]}`, "only accept"},
		{"move off file_start", `{"file":"a.py","operations":[{"target":{"type":"file_end","expected_file_hash":"h"},"op":{"move":{"to":"b.py"}}}]}`, "must target file_start"},
		{"unknown handle_ref", `{"file":"a.py","operations":[{"target":{"type":"handle_ref","ref":"f1"},"op":{"delete":{}}}]}`, "unknown handle_ref"},
		{"preview both shapes", `{"file":"a.py","operations":[{"target":{"type":"node","identity":"i","kind":"k","expected_old_hash":"h"},"op":{"delete":{}},"preview":{"old_text":"a","old_hash":"h","old_len":1,"new_text":"","matched_span":[0,1]}}]}`, "mutually exclusive"},
		{"preview hash without len", `{"file":"a.py","operations":[{"target":{"type":"node","identity":"i","kind":"k","expected_old_hash":"h"},"op":{"delete":{}},"preview":{"old_hash":"h","new_text":"","matched_span":[0,1]}}]}`, "both \"old_hash\" and \"old_len\""},
		{"not an object", `[1,2]`, "not a JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload), Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *errs.Error
			if !errors.As(err, &ce) || ce.Kind != errs.KindInvalidRequest {
				t.Errorf("expected invalid_request, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestParseHandleRef(t *testing.T) {
	cs := mustParse(t, `{"file":"a.py",
		"handle_table":{"f1":{"type":"node","identity":"id1","kind":"function","expected_old_hash":"abc","span_hint":[0,20]}},
		"operations":[{"target":{"type":"handle_ref","ref":"f1"},"op":{"replace":{"new_text":"def f(): pass"}}}]}`)
	op := cs.Files[0].Operations[0]
	if op.Target.Kind != TargetNode {
		t.Fatalf("handle_ref not substituted: %+v", op.Target)
	}
	if op.Target.Node.Identity != "id1" || op.Target.Node.ExpectedOldHash != "abc" {
		t.Errorf("wrong node target: %+v", op.Target.Node)
	}
	if op.Target.Node.SpanHint == nil || op.Target.Node.SpanHint.Start != 0 || op.Target.Node.SpanHint.End != 20 {
		t.Errorf("span hint lost: %+v", op.Target.Node.SpanHint)
	}
	if op.Target.Ref != "f1" {
		t.Errorf("origin ref lost: %q", op.Target.Ref)
	}
}

func TestParseHandleTableRejectsNonNode(t *testing.T) {
	_, err := Parse([]byte(`{"file":"a.py",
		"handle_table":{"x":{"type":"line","anchor":"3:aaaaaaaaaaaaaaaa"}},
		"operations":[`+okOp+`]}`), Options{})
	if err == nil || !strings.Contains(err.Error(), "node targets") {
		t.Errorf("expected node-target rejection, got %v", err)
	}
}

func TestParseLegacyOptIn(t *testing.T) {
	payload := `{"file":"a.py","edits":[` + okOp + `]}`
	cs, err := Parse([]byte(payload), Options{AllowLegacy: true})
	if err != nil {
		t.Fatalf("legacy parse failed: %v", err)
	}
	if len(cs.Files) != 1 || len(cs.Files[0].Operations) != 1 {
		t.Fatalf("unexpected conversion: %+v", cs)
	}
}

func TestParseLineTarget(t *testing.T) {
	cs := mustParse(t, `{"file":"a.py","operations":[
		{"target":{"type":"line","anchor":"2:aaaaaaaaaaaaaaaa","end_anchor":"4:bbbbbbbbbbbbbbbb"},"op":{"delete":{}}}]}`)
	line := cs.Files[0].Operations[0].Target.Line
	if line == nil || line.Anchor != "2:aaaaaaaaaaaaaaaa" || line.EndAnchor != "4:bbbbbbbbbbbbbbbb" {
		t.Errorf("unexpected line target: %+v", line)
	}
}

func TestParseMoveOps(t *testing.T) {
	cs := mustParse(t, `{"file":"a.py","operations":[
		{"target":{"type":"node","identity":"i","kind":"k","expected_old_hash":"h"},
		 "op":{"move_to_after":{"destination_file":"b.py","destination":{"type":"node","identity":"j","kind":"k","expected_old_hash":"g"}}}},
		{"target":{"type":"file_start","expected_file_hash":"fh"},"op":{"move":{"to":"c.py"}}}]}`)
	ops := cs.Files[0].Operations
	if ops[0].Op.Kind != OpMoveToAfter || ops[0].Op.DestinationFile != "b.py" || ops[0].Op.Destination == nil {
		t.Errorf("move_to_after mis-parsed: %+v", ops[0].Op)
	}
	if ops[1].Op.Kind != OpMoveFile || ops[1].Op.MoveTo != "c.py" {
		t.Errorf("move mis-parsed: %+v", ops[1].Op)
	}
}

func TestSpanRoundTrip(t *testing.T) {
	var s Span
	if err := s.UnmarshalJSON([]byte(`[3,9]`)); err != nil {
		t.Fatal(err)
	}
	if s.Start != 3 || s.End != 9 || s.Len() != 6 {
		t.Errorf("unexpected span: %+v", s)
	}
	out, err := s.MarshalJSON()
	if err != nil || string(out) != "[3,9]" {
		t.Errorf("got %s, %v", out, err)
	}
}
