// Package resolve re-derives every operation's byte range from current
// file bytes and verifies its preconditions. Stored spans and previews are
// advisory until re-verified here; nothing downstream trusts them.
package resolve

import (
	"fmt"

	"chisel/internal/anchor"
	"chisel/internal/cas"
	"chisel/internal/changeset"
	"chisel/internal/conflict"
	"chisel/internal/errs"
	"chisel/internal/movegraph"
	"chisel/internal/provider"
)

// Loader reads the current bytes of a file. The engine supplies a cached
// reader so each file is snapshotted exactly once per run.
type Loader func(path string) ([]byte, error)

// Options threads caller policy into resolution.
type Options struct {
	// Repair lets stale line anchors remap to a unique matching line.
	Repair bool
}

// FileMove is a whole-file move with its verified precondition.
type FileMove struct {
	Move movegraph.Move
}

// FileResolution is the outcome of resolving one FileChange.
type FileResolution struct {
	Path  string
	Edits []conflict.Edit
	// Cross holds insert edits this FileChange contributes to other files
	// (cross-file node moves), keyed by canonical destination path.
	Cross map[string][]conflict.Edit
	Move  *FileMove
}

// Resolver resolves operations against per-file snapshots.
type Resolver struct {
	registry *provider.Registry
	load     Loader
	opts     Options
	snaps    map[string]*Snapshot

	// Repaired maps stale anchors to their remapped versions, for
	// reporting back to the caller.
	Repaired map[string]string
}

// New builds a resolver over a content loader.
func New(registry *provider.Registry, load Loader, opts Options) *Resolver {
	return &Resolver{
		registry: registry, load: load, opts: opts,
		snaps: map[string]*Snapshot{}, Repaired: map[string]string{},
	}
}

// Snapshot is one file's in-memory state for the duration of a run.
type Snapshot struct {
	Path    string
	Content []byte

	handles     []provider.Handle
	handlesDone bool
	handlesErr  error

	lines   []anchor.Line
	offsets []int
}

// Snapshot loads (once) and returns the snapshot for path.
func (r *Resolver) Snapshot(path string) (*Snapshot, error) {
	key := movegraph.Canonical(path)
	if s, ok := r.snaps[key]; ok {
		return s, nil
	}
	content, err := r.load(path)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Path: path, Content: content}
	r.snaps[key] = s
	return s, nil
}

func (s *Snapshot) selectHandles(registry *provider.Registry) ([]provider.Handle, error) {
	if s.handlesDone {
		return s.handles, s.handlesErr
	}
	s.handlesDone = true
	if err := provider.CheckSource(s.Path, s.Content); err != nil {
		s.handlesErr = err
		return nil, err
	}
	p := registry.ForFile(s.Path, s.Content)
	s.handles, s.handlesErr = p.Select(s.Content)
	if s.handlesErr != nil {
		s.handlesErr = errs.Wrap(errs.KindOf(s.handlesErr), s.handlesErr, "%s", s.Path)
	}
	return s.handles, s.handlesErr
}

func (s *Snapshot) splitLines() ([]anchor.Line, []int) {
	if s.lines == nil {
		s.lines = anchor.SplitLines(s.Content)
		s.offsets = make([]int, len(s.lines)+1)
		off := 0
		for i, l := range s.lines {
			s.offsets[i] = off
			off += len(l.Content) + len(l.Term)
		}
		s.offsets[len(s.lines)] = off
	}
	return s.lines, s.offsets
}

// resolvedTarget is a target pinned to current bytes.
type resolvedTarget struct {
	span     changeset.Span
	text     []byte
	anchorID string
}

// FileChange resolves every operation of fc, verifies preconditions and
// previews, and returns the conflict-checkable resolution.
func (r *Resolver) FileChange(fc changeset.FileChange) (*FileResolution, error) {
	snap, err := r.Snapshot(fc.File)
	if err != nil {
		return nil, err
	}

	res := &FileResolution{Path: fc.File, Cross: map[string][]conflict.Edit{}}

	if err := r.checkMoveExclusivity(fc); err != nil {
		return nil, err
	}

	for i, op := range fc.Operations {
		if err := r.resolveOperation(snap, op, i, res); err != nil {
			return nil, err
		}
	}

	if err := conflict.Check(res.Edits); err != nil {
		return nil, err
	}
	return res, nil
}

// checkMoveExclusivity enforces that a whole-file move stands alone: it
// cannot share a FileChange with content edits, and only one move may
// name the file as its source.
func (r *Resolver) checkMoveExclusivity(fc changeset.FileChange) error {
	moveCount := 0
	for _, op := range fc.Operations {
		if op.Op.Kind == changeset.OpMoveFile {
			moveCount++
		}
	}
	if moveCount == 0 {
		return nil
	}
	if moveCount > 1 {
		return errs.New(errs.KindInvalidRequest,
			"file %q has %d move operations; at most one move may target a source file", fc.File, moveCount)
	}
	if len(fc.Operations) > 1 {
		return errs.New(errs.KindInvalidRequest,
			"file %q combines a move with other operations; moves must stand alone", fc.File)
	}
	return nil
}

func (r *Resolver) resolveOperation(snap *Snapshot, op changeset.Operation, opIndex int, res *FileResolution) error {
	switch op.Op.Kind {
	case changeset.OpMoveFile:
		if err := r.checkFileHash(snap, op.Target.ExpectedFileHash, opIndex); err != nil {
			return err
		}
		res.Move = &FileMove{Move: movegraph.Move{
			OpIndex: opIndex,
			Source:  snap.Path,
			Dest:    op.Op.MoveTo,
		}}
		return nil

	case changeset.OpInsert:
		if err := r.checkFileHash(snap, op.Target.ExpectedFileHash, opIndex); err != nil {
			return err
		}
		point := fileEdgePoint(snap.Content, op.Target.Kind)
		edit := conflict.Edit{
			OpIndex:  opIndex,
			Span:     changeset.Span{Start: point, End: point},
			NewText:  []byte(op.Op.NewText),
			Kind:     changeset.OpInsert,
			AnchorID: string(op.Target.Kind),
		}
		if err := verifyPreview(op.Preview, nil, []byte(op.Op.NewText), edit.Span, opIndex); err != nil {
			return err
		}
		res.Edits = append(res.Edits, edit)
		return nil
	}

	rt, err := r.resolveTarget(snap, op.Target, opIndex)
	if err != nil {
		return err
	}

	switch op.Op.Kind {
	case changeset.OpReplace, changeset.OpDelete:
		newText := []byte(op.Op.NewText) // empty for delete
		if err := verifyPreview(op.Preview, rt.text, newText, rt.span, opIndex); err != nil {
			return err
		}
		res.Edits = append(res.Edits, conflict.Edit{
			OpIndex: opIndex, Span: rt.span, NewText: newText,
			Kind: op.Op.Kind, AnchorID: rt.anchorID,
		})

	case changeset.OpInsertBefore, changeset.OpInsertAfter:
		point := rt.span.Start
		if op.Op.Kind == changeset.OpInsertAfter {
			point = rt.span.End
		}
		span := changeset.Span{Start: point, End: point}
		if err := verifyPreview(op.Preview, nil, []byte(op.Op.NewText), span, opIndex); err != nil {
			return err
		}
		res.Edits = append(res.Edits, conflict.Edit{
			OpIndex: opIndex, Span: span, NewText: []byte(op.Op.NewText),
			Kind: op.Op.Kind, AnchorID: rt.anchorID,
		})

	case changeset.OpMoveBefore, changeset.OpMoveAfter:
		dest, err := r.resolveTarget(snap, *op.Op.Destination, opIndex)
		if err != nil {
			return err
		}
		if err := verifyPreview(op.Preview, rt.text, nil, rt.span, opIndex); err != nil {
			return err
		}
		res.Edits = append(res.Edits,
			conflict.Edit{
				OpIndex: opIndex, Span: rt.span,
				Kind: changeset.OpDelete, AnchorID: rt.anchorID,
			},
			insertEdit(opIndex, op.Op.Kind == changeset.OpMoveBefore, dest, rt.text),
		)

	case changeset.OpMoveToBefore, changeset.OpMoveToAfter:
		destSnap, err := r.Snapshot(op.Op.DestinationFile)
		if err != nil {
			return err
		}
		dest, err := r.resolveTarget(destSnap, *op.Op.Destination, opIndex)
		if err != nil {
			return err
		}
		if err := verifyPreview(op.Preview, rt.text, nil, rt.span, opIndex); err != nil {
			return err
		}
		res.Edits = append(res.Edits, conflict.Edit{
			OpIndex: opIndex, Span: rt.span,
			Kind: changeset.OpDelete, AnchorID: rt.anchorID,
		})
		key := movegraph.Canonical(op.Op.DestinationFile)
		res.Cross[key] = append(res.Cross[key],
			insertEdit(opIndex, op.Op.Kind == changeset.OpMoveToBefore, dest, rt.text))

	default:
		return errs.New(errs.KindInvalidRequest, "operation %d: unsupported op %q", opIndex, op.Op.Kind)
	}
	return nil
}

func insertEdit(opIndex int, before bool, dest resolvedTarget, text []byte) conflict.Edit {
	kind := changeset.OpInsertAfter
	point := dest.span.End
	if before {
		kind = changeset.OpInsertBefore
		point = dest.span.Start
	}
	return conflict.Edit{
		OpIndex:  opIndex,
		Span:     changeset.Span{Start: point, End: point},
		NewText:  text,
		Kind:     kind,
		AnchorID: dest.anchorID,
	}
}

// fileEdgePoint is byte 0 (after a BOM, which stays the first bytes of the
// file) or the file length.
func fileEdgePoint(content []byte, kind changeset.TargetKind) int {
	if kind == changeset.TargetFileEnd {
		return len(content)
	}
	if len(content) >= 3 && content[0] == 0xEF && content[1] == 0xBB && content[2] == 0xBF {
		return 3
	}
	return 0
}

func (r *Resolver) checkFileHash(snap *Snapshot, expected string, opIndex int) error {
	got := cas.HashHex(snap.Content)
	if got != expected {
		return errs.New(errs.KindPreconditionFailed,
			"operation %d: file %q hash mismatch: expected %s, current %s", opIndex, snap.Path, expected, got)
	}
	return nil
}

func (r *Resolver) resolveTarget(snap *Snapshot, t changeset.Target, opIndex int) (resolvedTarget, error) {
	switch t.Kind {
	case changeset.TargetNode:
		return r.resolveNode(snap, t.Node, opIndex)
	case changeset.TargetLine:
		return r.resolveLine(snap, t.Line, opIndex)
	}
	return resolvedTarget{}, errs.New(errs.KindInvalidRequest,
		"operation %d: target kind %q cannot be resolved to a span", opIndex, t.Kind)
}

// resolveNode re-locates a node by identity+kind among freshly selected
// handles. The span_hint never locates; it only disambiguates duplicates.
func (r *Resolver) resolveNode(snap *Snapshot, nt *changeset.NodeTarget, opIndex int) (resolvedTarget, error) {
	handles, err := snap.selectHandles(r.registry)
	if err != nil {
		return resolvedTarget{}, err
	}

	var candidates []provider.Handle
	for _, h := range handles {
		if h.Identity == nt.Identity && h.Kind == nt.Kind {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return resolvedTarget{}, errs.New(errs.KindTargetMissing,
			"operation %d: no %s node with identity %s in %q", opIndex, nt.Kind, nt.Identity, snap.Path)
	}
	if len(candidates) > 1 {
		if nt.SpanHint == nil {
			return resolvedTarget{}, errs.New(errs.KindAmbiguousTarget,
				"operation %d: identity %s matches %d %s nodes in %q and no span_hint disambiguates",
				opIndex, nt.Identity, len(candidates), nt.Kind, snap.Path)
		}
		var hinted []provider.Handle
		for _, h := range candidates {
			if h.Span == *nt.SpanHint {
				hinted = append(hinted, h)
			}
		}
		if len(hinted) != 1 {
			return resolvedTarget{}, errs.New(errs.KindInvalidRequest,
				"operation %d: span_hint [%d,%d) matches %d of %d candidates for identity %s",
				opIndex, nt.SpanHint.Start, nt.SpanHint.End, len(hinted), len(candidates), nt.Identity)
		}
		candidates = hinted
	}

	h := candidates[0]
	if h.ExpectedOldHash != nt.ExpectedOldHash {
		return resolvedTarget{}, errs.New(errs.KindPreconditionFailed,
			"operation %d: node %s content hash mismatch: expected %s, current %s",
			opIndex, nt.Identity, nt.ExpectedOldHash, h.ExpectedOldHash)
	}
	return resolvedTarget{span: h.Span, text: []byte(h.Text), anchorID: h.Identity}, nil
}

func (r *Resolver) resolveLine(snap *Snapshot, lt *changeset.LineTarget, opIndex int) (resolvedTarget, error) {
	lines, offsets := snap.splitLines()

	start, err := r.resolveAnchor(lt.Anchor, lines, opIndex)
	if err != nil {
		return resolvedTarget{}, err
	}
	end := start
	if lt.EndAnchor != "" {
		end, err = r.resolveAnchor(lt.EndAnchor, lines, opIndex)
		if err != nil {
			return resolvedTarget{}, err
		}
		if end < start {
			return resolvedTarget{}, errs.New(errs.KindInvalidRequest,
				"operation %d: anchor %q resolves after end_anchor %q", opIndex, lt.Anchor, lt.EndAnchor)
		}
	}

	span := changeset.Span{Start: offsets[start], End: offsets[end+1]}
	return resolvedTarget{
		span:     span,
		text:     snap.Content[span.Start:span.End],
		anchorID: anchor.AnchorFor(lines, start).String(),
	}, nil
}

func (r *Resolver) resolveAnchor(raw string, lines []anchor.Line, opIndex int) (int, error) {
	a, err := anchor.Parse(raw)
	if err != nil {
		return 0, errs.New(errs.KindInvalidRequest, "operation %d: %v", opIndex, err)
	}
	resolution, err := anchor.Resolve(a, lines, r.opts.Repair)
	if err != nil {
		return 0, err
	}
	if resolution.Repaired {
		r.Repaired[a.String()] = anchor.AnchorFor(lines, resolution.Index).String()
	}
	return resolution.Index, nil
}

// verifyPreview compares the caller-supplied preview against what was
// independently computed. Any divergence is invalid_request naming the
// offending sub-field: a preview generated against different bytes must
// never be silently accepted.
func verifyPreview(p *changeset.Preview, oldText, newText []byte, span changeset.Span, opIndex int) error {
	if p == nil {
		return nil
	}
	if p.OldText != nil {
		if *p.OldText != string(oldText) {
			return previewMismatch(opIndex, "old_text",
				fmt.Sprintf("supplied %d bytes, resolved %d bytes", len(*p.OldText), len(oldText)))
		}
	} else {
		if *p.OldLen != len(oldText) {
			return previewMismatch(opIndex, "old_len",
				fmt.Sprintf("supplied %d, resolved %d", *p.OldLen, len(oldText)))
		}
		if got := cas.HashHex(oldText); p.OldHash != got {
			return previewMismatch(opIndex, "old_hash",
				fmt.Sprintf("supplied %s, resolved %s", p.OldHash, got))
		}
	}
	if p.NewText != string(newText) {
		return previewMismatch(opIndex, "new_text",
			fmt.Sprintf("supplied %d bytes, computed %d bytes", len(p.NewText), len(newText)))
	}
	if p.MatchedSpan != span {
		return previewMismatch(opIndex, "matched_span",
			fmt.Sprintf("supplied [%d,%d), resolved [%d,%d)",
				p.MatchedSpan.Start, p.MatchedSpan.End, span.Start, span.End))
	}
	return nil
}

func previewMismatch(opIndex int, field, detail string) error {
	return errs.New(errs.KindInvalidRequest,
		"operation %d: preview mismatch on %q: %s", opIndex, field, detail)
}
