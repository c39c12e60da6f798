// Package conflict decides whether the resolved byte-range edits for one
// file are mutually compatible and orders them for safe application.
//
// Diagnostics are deterministic under permutation of the input: conflicts
// are detected and reported in canonical order (ascending original
// operation index), so two semantically identical payloads submitted in
// different operation orders produce byte-identical error text.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"chisel/internal/changeset"
	"chisel/internal/errs"
)

// Edit is one operation resolved to a concrete byte range. A zero-width
// span (Start == End) is an insertion point.
type Edit struct {
	// OpIndex is the operation's index in the original payload, used for
	// canonical conflict reporting.
	OpIndex int
	Span    changeset.Span
	NewText []byte
	Kind    changeset.OpKind
	// AnchorID names the resolved anchor (node identity or line anchor).
	// Two edits share an anchor iff their AnchorIDs are equal.
	AnchorID string
}

func (e Edit) zeroWidth() bool {
	return e.Span.Start == e.Span.End
}

// Check validates that all edits are mutually compatible. It returns an
// invalid_request error describing every conflicting pair, or nil.
func Check(edits []Edit) error {
	sorted := make([]Edit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpIndex < sorted[j].OpIndex })

	var msgs []string
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if msg := pairConflict(sorted[i], sorted[j]); msg != "" {
				msgs = append(msgs, msg)
			}
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return errs.New(errs.KindInvalidRequest, "conflicting operations: %s", strings.Join(msgs, "; "))
}

// pairConflict reports why a and b conflict, or "" if they are compatible.
// a.OpIndex < b.OpIndex.
func pairConflict(a, b Edit) string {
	// insert_before / insert_after on the same anchor commute.
	if a.AnchorID != "" && a.AnchorID == b.AnchorID && insertPair(a.Kind, b.Kind) {
		return ""
	}

	if a.AnchorID != "" && a.AnchorID == b.AnchorID && isDeleteLike(a.Kind) != isDeleteLike(b.Kind) {
		if isInsert(a.Kind) || isInsert(b.Kind) {
			return fmt.Sprintf("operations %d and %d conflict: %s and %s share anchor %q",
				a.OpIndex, b.OpIndex, a.Kind, b.Kind, a.AnchorID)
		}
	}

	switch {
	case a.Span == b.Span && a.zeroWidth() && b.zeroWidth():
		return fmt.Sprintf("operations %d and %d conflict: duplicate insertion point at byte %d",
			a.OpIndex, b.OpIndex, a.Span.Start)
	case a.Span == b.Span:
		return fmt.Sprintf("operations %d and %d conflict: duplicate target span [%d,%d)",
			a.OpIndex, b.OpIndex, a.Span.Start, a.Span.End)
	case a.zeroWidth() && !b.zeroWidth():
		if touches(a.Span.Start, b.Span) {
			return fmt.Sprintf("operations %d and %d conflict: insertion at byte %d touches edited range [%d,%d)",
				a.OpIndex, b.OpIndex, a.Span.Start, b.Span.Start, b.Span.End)
		}
	case !a.zeroWidth() && b.zeroWidth():
		if touches(b.Span.Start, a.Span) {
			return fmt.Sprintf("operations %d and %d conflict: insertion at byte %d touches edited range [%d,%d)",
				a.OpIndex, b.OpIndex, b.Span.Start, a.Span.Start, a.Span.End)
		}
	case overlaps(a.Span, b.Span):
		return fmt.Sprintf("operations %d and %d conflict: byte ranges [%d,%d) and [%d,%d) overlap",
			a.OpIndex, b.OpIndex, a.Span.Start, a.Span.End, b.Span.Start, b.Span.End)
	}
	return ""
}

// touches reports whether point p lies on or inside the range, boundaries
// included. Insertion at a boundary a replace is consuming is disallowed.
func touches(p int, r changeset.Span) bool {
	return r.Start <= p && p <= r.End
}

func overlaps(a, b changeset.Span) bool {
	return a.Start < b.End && b.Start < a.End
}

func insertPair(a, b changeset.OpKind) bool {
	return (a == changeset.OpInsertBefore && b == changeset.OpInsertAfter) ||
		(a == changeset.OpInsertAfter && b == changeset.OpInsertBefore)
}

func isInsert(k changeset.OpKind) bool {
	return k == changeset.OpInsertBefore || k == changeset.OpInsertAfter || k == changeset.OpInsert
}

func isDeleteLike(k changeset.OpKind) bool {
	return k == changeset.OpDelete || k == changeset.OpReplace
}

// Order returns the edits in safe application order: descending start
// offset, so earlier edits never shift the offsets of later ones. At an
// equal insertion point (the commuting insert_before/insert_after pair)
// insert_after is applied first so the before-text ends up first in the
// output.
func Order(edits []Edit) []Edit {
	ordered := make([]Edit, len(edits))
	copy(ordered, edits)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Span.Start != b.Span.Start {
			return a.Span.Start > b.Span.Start
		}
		if ra, rb := kindRank(a.Kind), kindRank(b.Kind); ra != rb {
			return ra < rb
		}
		return a.OpIndex > b.OpIndex
	})
	return ordered
}

func kindRank(k changeset.OpKind) int {
	if k == changeset.OpInsertAfter {
		return 0
	}
	return 1
}
