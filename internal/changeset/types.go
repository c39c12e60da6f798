// Package changeset defines the versioned changeset wire model and its
// strict decoder. Parsing is all-or-nothing: any schema violation anywhere
// in the payload aborts before resolution or mutation begins.
package changeset

import "encoding/json"

// TargetKind discriminates the Target union.
type TargetKind string

const (
	TargetNode      TargetKind = "node"
	TargetLine      TargetKind = "line"
	TargetFileStart TargetKind = "file_start"
	TargetFileEnd   TargetKind = "file_end"
	TargetHandleRef TargetKind = "handle_ref"
)

// Span is a half-open byte range [Start, End) in the current file content.
// On the wire it is a two-element array [start, end].
type Span struct {
	Start int
	End   int
}

// MarshalJSON renders the span as [start, end].
func (s Span) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.Start, s.End})
}

// UnmarshalJSON accepts [start, end].
func (s *Span) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	s.Start, s.End = pair[0], pair[1]
	return nil
}

// Len is the width of the span in bytes.
func (s Span) Len() int {
	return s.End - s.Start
}

// NodeTarget locates an AST node by identity, kind, and content digest.
// SpanHint is advisory: resolution re-locates by identity+kind+hash and
// only uses the hint to disambiguate duplicates.
type NodeTarget struct {
	Identity        string
	Kind            string
	SpanHint        *Span
	ExpectedOldHash string
}

// LineTarget locates one line or a line range via hashline anchors.
type LineTarget struct {
	Anchor    string
	EndAnchor string // optional; empty for single-line targets
}

// Target is the closed union of ways an operation locates its subject.
// Exactly one of the variant fields is set, matching Kind.
type Target struct {
	Kind TargetKind
	Node *NodeTarget
	Line *LineTarget
	// ExpectedFileHash guards file_start / file_end targets. Mutually
	// exclusive with node-level ExpectedOldHash.
	ExpectedFileHash string
	Ref              string // handle_ref name
}

// OpKind discriminates the Op union.
type OpKind string

const (
	OpReplace      OpKind = "replace"
	OpDelete       OpKind = "delete"
	OpInsertBefore OpKind = "insert_before"
	OpInsertAfter  OpKind = "insert_after"
	OpInsert       OpKind = "insert"
	OpMoveBefore   OpKind = "move_before"
	OpMoveAfter    OpKind = "move_after"
	OpMoveToBefore OpKind = "move_to_before"
	OpMoveToAfter  OpKind = "move_to_after"
	OpMoveFile     OpKind = "move"
)

// Op is the closed union of edit operations.
type Op struct {
	Kind    OpKind
	NewText string // replace, insert_before, insert_after, insert

	// Destination anchors a same-file or cross-file node move.
	Destination     *Target
	DestinationFile string // move_to_before, move_to_after

	// MoveTo is the destination path of a whole-file move.
	MoveTo string
}

// Preview is the caller's expectation of an edit's effect. It must match
// what the resolver independently computes, byte for byte.
type Preview struct {
	OldText     *string
	OldHash     string
	OldLen      *int
	NewText     string
	MatchedSpan Span
}

// Operation pairs a target with an op and an optional preview guard.
type Operation struct {
	Target  Target
	Op      Op
	Preview *Preview
}

// FileChange groups the operations against one file.
type FileChange struct {
	File        string
	HandleTable map[string]NodeTarget
	Operations  []Operation
}

// Changeset is the validated in-memory form of a v2 changeset payload.
// The single-file sugar shape is normalized into a one-element Files slice.
type Changeset struct {
	Files           []FileChange
	TransactionMode string
}

// IsMove reports whether the op is in the move family.
func (o OpKind) IsMove() bool {
	switch o {
	case OpMoveBefore, OpMoveAfter, OpMoveToBefore, OpMoveToAfter, OpMoveFile:
		return true
	}
	return false
}

// NeedsNewText reports whether the op carries replacement text.
func (o OpKind) NeedsNewText() bool {
	switch o {
	case OpReplace, OpInsertBefore, OpInsertAfter, OpInsert:
		return true
	}
	return false
}
