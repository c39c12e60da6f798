package conflict

import (
	"strings"
	"testing"

	"chisel/internal/changeset"
)

func span(start, end int) changeset.Span {
	return changeset.Span{Start: start, End: end}
}

func TestCheckCompatible(t *testing.T) {
	tests := []struct {
		name  string
		edits []Edit
	}{
		{"disjoint replaces", []Edit{
			{OpIndex: 0, Span: span(0, 5), Kind: changeset.OpReplace},
			{OpIndex: 1, Span: span(10, 20), Kind: changeset.OpDelete},
		}},
		{"adjacent replaces share a boundary", []Edit{
			{OpIndex: 0, Span: span(0, 5), Kind: changeset.OpReplace},
			{OpIndex: 1, Span: span(5, 9), Kind: changeset.OpReplace},
		}},
		{"insert_before and insert_after same anchor", []Edit{
			{OpIndex: 0, Span: span(4, 4), Kind: changeset.OpInsertBefore, AnchorID: "n1"},
			{OpIndex: 1, Span: span(9, 9), Kind: changeset.OpInsertAfter, AnchorID: "n1"},
		}},
		{"insertions at distinct points", []Edit{
			{OpIndex: 0, Span: span(4, 4), Kind: changeset.OpInsertBefore, AnchorID: "n1"},
			{OpIndex: 1, Span: span(9, 9), Kind: changeset.OpInsertBefore, AnchorID: "n2"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Check(tt.edits); err != nil {
				t.Errorf("unexpected conflict: %v", err)
			}
		})
	}
}

func TestCheckConflicts(t *testing.T) {
	tests := []struct {
		name    string
		edits   []Edit
		wantMsg string
	}{
		{"overlapping ranges", []Edit{
			{OpIndex: 0, Span: span(0, 10), Kind: changeset.OpReplace},
			{OpIndex: 1, Span: span(5, 15), Kind: changeset.OpDelete},
		}, "overlap"},
		{"duplicate span", []Edit{
			{OpIndex: 0, Span: span(3, 8), Kind: changeset.OpReplace},
			{OpIndex: 1, Span: span(3, 8), Kind: changeset.OpDelete},
		}, "duplicate target span"},
		{"duplicate insertion point", []Edit{
			{OpIndex: 0, Span: span(4, 4), Kind: changeset.OpInsertBefore, AnchorID: "n1"},
			{OpIndex: 1, Span: span(4, 4), Kind: changeset.OpInsertBefore, AnchorID: "n2"},
		}, "duplicate insertion point"},
		{"insert touches replaced range start", []Edit{
			{OpIndex: 0, Span: span(5, 5), Kind: changeset.OpInsertBefore, AnchorID: "n1"},
			{OpIndex: 1, Span: span(5, 12), Kind: changeset.OpReplace, AnchorID: "n2"},
		}, "touches edited range"},
		{"insert touches replaced range end", []Edit{
			{OpIndex: 0, Span: span(0, 7), Kind: changeset.OpDelete, AnchorID: "n1"},
			{OpIndex: 1, Span: span(7, 7), Kind: changeset.OpInsertAfter, AnchorID: "n2"},
		}, "touches edited range"},
		{"insert inside deleted range via shared anchor", []Edit{
			{OpIndex: 0, Span: span(2, 9), Kind: changeset.OpDelete, AnchorID: "n1"},
			{OpIndex: 1, Span: span(2, 2), Kind: changeset.OpInsertBefore, AnchorID: "n1"},
		}, "share anchor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.edits)
			if err == nil {
				t.Fatal("expected conflict")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not contain %q", err, tt.wantMsg)
			}
		})
	}
}

// Permuting the input slice must not change the diagnostic text.
func TestCheckDeterministicUnderPermutation(t *testing.T) {
	edits := []Edit{
		{OpIndex: 0, Span: span(0, 10), Kind: changeset.OpReplace},
		{OpIndex: 1, Span: span(5, 15), Kind: changeset.OpDelete},
		{OpIndex: 2, Span: span(12, 12), Kind: changeset.OpInsertBefore, AnchorID: "n3"},
	}
	reversed := []Edit{edits[2], edits[1], edits[0]}

	errA := Check(edits)
	errB := Check(reversed)
	if errA == nil || errB == nil {
		t.Fatal("expected conflicts")
	}
	if errA.Error() != errB.Error() {
		t.Errorf("diagnostics differ under permutation:\n%q\n%q", errA, errB)
	}
}

func TestOrderDescendingStart(t *testing.T) {
	edits := []Edit{
		{OpIndex: 0, Span: span(2, 4), Kind: changeset.OpReplace},
		{OpIndex: 1, Span: span(20, 25), Kind: changeset.OpDelete},
		{OpIndex: 2, Span: span(10, 10), Kind: changeset.OpInsertBefore},
	}
	ordered := Order(edits)
	if ordered[0].OpIndex != 1 || ordered[1].OpIndex != 2 || ordered[2].OpIndex != 0 {
		t.Errorf("wrong order: %+v", ordered)
	}
}

// At an equal insertion point the commuting pair must end up with the
// before-text first, so insert_after is applied first.
func TestOrderInsertPairAtSamePoint(t *testing.T) {
	edits := []Edit{
		{OpIndex: 0, Span: span(6, 6), Kind: changeset.OpInsertBefore, NewText: []byte("B")},
		{OpIndex: 1, Span: span(6, 6), Kind: changeset.OpInsertAfter, NewText: []byte("A")},
	}
	ordered := Order(edits)
	if ordered[0].Kind != changeset.OpInsertAfter {
		t.Errorf("insert_after must be applied first, got %+v", ordered)
	}
	// And the order is independent of input position.
	flipped := Order([]Edit{edits[1], edits[0]})
	if flipped[0].Kind != changeset.OpInsertAfter {
		t.Errorf("order depends on input position: %+v", flipped)
	}
}
