package anchor

import (
	"fmt"
	"strings"
	"testing"

	"chisel/internal/cas"
)

// a builds an inline anchor string for the given 1-based line of content.
func a(content []byte, line int) string {
	lines := SplitLines(content)
	return fmt.Sprintf("%d:%s", line, cas.LineHash(lines[line-1].Content))
}

func mustPlan(t *testing.T, content []byte, doc string, repair bool) *Plan {
	t.Helper()
	d, err := ParseDoc([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDoc failed: %v", err)
	}
	plan, err := d.Resolve(content, repair)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return plan
}

func TestParseDocRejections(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantMsg string
	}{
		{"missing file", `{"edits":[{"set_line":{"anchor":"1:aaaaaaaaaaaaaaaa","new_text":"x"}}]}`, "missing"},
		{"empty edits", `{"file":"a.py","edits":[]}`, "must not be empty"},
		{"unknown edit", `{"file":"a.py","edits":[{"swap_lines":{}}]}`, "unknown edit"},
		{"two edit keys", `{"file":"a.py","edits":[{"set_line":{"anchor":"1:aaaaaaaaaaaaaaaa","new_text":"x"},"delete_lines":{"start_anchor":"1:aaaaaaaaaaaaaaaa"}}]}`, "exactly one edit key"},
		{"anchor and ref", `{"file":"a.py","anchors":{"l":"1:aaaaaaaaaaaaaaaa"},"edits":[{"set_line":{"anchor":"1:aaaaaaaaaaaaaaaa","anchor_ref":"l","new_text":"x"}}]}`, "mutually exclusive"},
		{"unknown anchor_ref", `{"file":"a.py","edits":[{"set_line":{"anchor_ref":"nope","new_text":"x"}}]}`, "unknown anchor_ref"},
		{"bad anchor string", `{"file":"a.py","edits":[{"set_line":{"anchor":"one:xyz","new_text":"x"}}]}`, "invalid anchor"},
		{"insert without lines", `{"file":"a.py","edits":[{"insert_after":{"anchor":"1:aaaaaaaaaaaaaaaa"}}]}`, "missing \"lines\""},
		{"delete with lines", `{"file":"a.py","edits":[{"delete_lines":{"start_anchor":"1:aaaaaaaaaaaaaaaa","lines":["x"]}}]}`, "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDoc([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

func TestSetLineKeepsTerminator(t *testing.T) {
	content := []byte("alpha\r\nbeta\r\n")
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[{"set_line":{"anchor":%q,"new_text":"gamma"}}]}`,
		a(content, 2))
	got := mustPlan(t, content, doc, false).Apply()
	if string(got) != "alpha\r\ngamma\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestDeleteLinesRange(t *testing.T) {
	content := []byte("one\ntwo\nthree\nfour\n")
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[{"delete_lines":{"start_anchor":%q,"end_anchor":%q}}]}`,
		a(content, 2), a(content, 3))
	got := mustPlan(t, content, doc, false).Apply()
	if string(got) != "one\nfour\n" {
		t.Errorf("got %q", got)
	}
}

func TestDeleteSingleLineWithoutEnd(t *testing.T) {
	content := []byte("one\ntwo\nthree\n")
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[{"delete_lines":{"start_anchor":%q}}]}`,
		a(content, 2))
	got := mustPlan(t, content, doc, false).Apply()
	if string(got) != "one\nthree\n" {
		t.Errorf("got %q", got)
	}
}

func TestReplaceLinesKeepsFinalTerminator(t *testing.T) {
	// The last replaced line is unterminated; the replacement must stay so.
	content := []byte("a\nb\nc")
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[{"replace_lines":{"start_anchor":%q,"end_anchor":%q,"lines":["X","Y"]}}]}`,
		a(content, 2), a(content, 3))
	got := mustPlan(t, content, doc, false).Apply()
	if string(got) != "a\nX\nY" {
		t.Errorf("got %q", got)
	}
}

func TestInsertBeforeAndAfterSameAnchor(t *testing.T) {
	content := []byte("mid\n")
	doc := fmt.Sprintf(`{"file":"a.txt","anchors":{"m":%q},"edits":[
		{"insert_after":{"anchor_ref":"m","lines":["below"]}},
		{"insert_before":{"anchor_ref":"m","lines":["above"]}}]}`,
		a(content, 1))
	got := mustPlan(t, content, doc, false).Apply()
	if string(got) != "above\nmid\nbelow\n" {
		t.Errorf("got %q", got)
	}
}

func TestInsertAfterUnterminatedEOF(t *testing.T) {
	content := []byte("last")
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[{"insert_after":{"anchor":%q,"lines":["tail"]}}]}`,
		a(content, 1))
	got := mustPlan(t, content, doc, false).Apply()
	if string(got) != "last\ntail" {
		t.Errorf("got %q", got)
	}
}

func TestResolveConflictingEdits(t *testing.T) {
	content := []byte("one\ntwo\nthree\n")
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[
		{"delete_lines":{"start_anchor":%q,"end_anchor":%q}},
		{"set_line":{"anchor":%q,"new_text":"x"}}]}`,
		a(content, 1), a(content, 2), a(content, 2))
	d, err := ParseDoc([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Resolve(content, false); err == nil {
		t.Error("overlapping edits accepted")
	}
}

func TestResolveInvertedRange(t *testing.T) {
	content := []byte("one\ntwo\nthree\n")
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[{"delete_lines":{"start_anchor":%q,"end_anchor":%q}}]}`,
		a(content, 3), a(content, 1))
	d, err := ParseDoc([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Resolve(content, false)
	if err == nil || !strings.Contains(err.Error(), "resolves after end anchor") {
		t.Errorf("expected inverted-range error, got %v", err)
	}
}

func TestResolveRepairedAnchorsReported(t *testing.T) {
	// The anchor was minted against the old layout; a line was inserted
	// above, so it is stale but uniquely repairable.
	old := []byte("target\n")
	content := []byte("new first\ntarget\n")
	stale := a(old, 1)
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[{"set_line":{"anchor":%q,"new_text":"done"}}]}`, stale)

	plan := mustPlan(t, content, doc, true)
	if string(plan.Apply()) != "new first\ndone\n" {
		t.Errorf("got %q", plan.Apply())
	}
	want := a(content, 2)
	if plan.Repaired[stale] != want {
		t.Errorf("Repaired[%q] = %q, want %q", stale, plan.Repaired[stale], want)
	}
}

func TestFingerprintMatchesApply(t *testing.T) {
	content := []byte("a\nb\n")
	doc := fmt.Sprintf(`{"file":"a.txt","edits":[{"set_line":{"anchor":%q,"new_text":"z"}}]}`,
		a(content, 1))
	plan := mustPlan(t, content, doc, false)
	fp := plan.Fingerprint()
	applied := plan.Apply()
	if fp.Bytes != len(applied) || fp.Digest != cas.HashHex(applied) {
		t.Errorf("fingerprint %+v does not match applied content %q", fp, applied)
	}
}
