package apply

import (
	"bytes"
	"testing"

	"chisel/internal/changeset"
	"chisel/internal/conflict"
)

func TestSpliceSingleEdit(t *testing.T) {
	got := Splice([]byte("hello world"), []conflict.Edit{
		{Span: changeset.Span{Start: 6, End: 11}, NewText: []byte("chisel")},
	})
	if string(got) != "hello chisel" {
		t.Errorf("got %q", got)
	}
}

func TestSpliceMultipleEditsAnyOrder(t *testing.T) {
	content := []byte("aaa bbb ccc")
	edits := []conflict.Edit{
		{OpIndex: 0, Span: changeset.Span{Start: 0, End: 3}, NewText: []byte("X")},
		{OpIndex: 1, Span: changeset.Span{Start: 8, End: 11}, NewText: []byte("Y")},
	}
	want := "X bbb Y"
	if got := Splice(content, edits); string(got) != want {
		t.Errorf("got %q", got)
	}
	if got := Splice(content, []conflict.Edit{edits[1], edits[0]}); string(got) != want {
		t.Errorf("reversed input: got %q", got)
	}
}

func TestSpliceInsertion(t *testing.T) {
	got := Splice([]byte("ab"), []conflict.Edit{
		{Span: changeset.Span{Start: 1, End: 1}, NewText: []byte("-")},
	})
	if string(got) != "a-b" {
		t.Errorf("got %q", got)
	}
}

// Bytes outside edited spans survive verbatim: BOM, mixed line endings,
// embedded NULs.
func TestSplicePreservesUntouchedBytes(t *testing.T) {
	content := []byte("\xef\xbb\xbfone\r\ntwo\nth\x00ree\rfour")
	start := bytes.Index(content, []byte("two"))
	got := Splice(content, []conflict.Edit{
		{Span: changeset.Span{Start: start, End: start + 3}, NewText: []byte("TWO")},
	})
	want := []byte("\xef\xbb\xbfone\r\nTWO\nth\x00ree\rfour")
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSpliceDoesNotMutateInput(t *testing.T) {
	content := []byte("abcdef")
	Splice(content, []conflict.Edit{
		{Span: changeset.Span{Start: 0, End: 6}, NewText: []byte("z")},
	})
	if string(content) != "abcdef" {
		t.Errorf("input mutated: %q", content)
	}
}
