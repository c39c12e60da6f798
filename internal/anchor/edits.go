package anchor

import (
	"encoding/json"
	"fmt"
	"sort"

	"chisel/internal/cas"
	"chisel/internal/changeset"
	"chisel/internal/conflict"
	"chisel/internal/errs"
	"chisel/internal/strictjson"
)

// EditKind discriminates the hashline edit union.
type EditKind string

const (
	EditSetLine      EditKind = "set_line"
	EditInsertBefore EditKind = "insert_before"
	EditInsertAfter  EditKind = "insert_after"
	EditReplaceLines EditKind = "replace_lines"
	EditDeleteLines  EditKind = "delete_lines"
)

// Edit is one hashline edit with its anchors already parsed.
type Edit struct {
	Kind      EditKind
	Anchor    Anchor
	EndAnchor Anchor // replace_lines / delete_lines only
	HasEnd    bool
	NewText   string   // set_line
	Lines     []string // insert_*, replace_lines
}

// Doc is a parsed hashline edit document for one file.
type Doc struct {
	File  string
	Edits []Edit
}

var editKinds = map[string]bool{
	string(EditSetLine): true, string(EditInsertBefore): true, string(EditInsertAfter): true,
	string(EditReplaceLines): true, string(EditDeleteLines): true,
}

// ParseDoc decodes a hashline document: {"file", "anchors"?, "edits"}.
// Each edit holds exactly one operation key; anchors are given inline
// ("anchor") or via "anchor_ref" against the top-level anchors map, never
// both on one edit.
func ParseDoc(data []byte) (*Doc, error) {
	if err := strictjson.CheckDuplicateKeys(data); err != nil {
		return nil, err
	}
	top, err := strictjson.Object(data, "$", map[string]bool{
		"file": true, "anchors": true, "edits": true,
	})
	if err != nil {
		return nil, err
	}

	file, err := strictjson.RequiredString(top, "file", "$")
	if err != nil {
		return nil, err
	}

	refs := map[string]Anchor{}
	if rawAnchors, ok := top["anchors"]; ok {
		var m map[string]string
		if err := json.Unmarshal(rawAnchors, &m); err != nil {
			return nil, errs.New(errs.KindInvalidRequest, "$.anchors: expected an object of anchor strings")
		}
		for name, s := range m {
			a, err := Parse(s)
			if err != nil {
				return nil, err
			}
			refs[name] = a
		}
	}

	rawEdits, ok := top["edits"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "$: missing \"edits\"")
	}
	var rawList []json.RawMessage
	if err := json.Unmarshal(rawEdits, &rawList); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "$.edits: expected an array")
	}
	if len(rawList) == 0 {
		return nil, errs.New(errs.KindInvalidRequest, "$.edits: must not be empty")
	}

	doc := &Doc{File: file}
	for i, raw := range rawList {
		edit, err := parseEdit(raw, fmt.Sprintf("$.edits[%d]", i), refs)
		if err != nil {
			return nil, err
		}
		doc.Edits = append(doc.Edits, *edit)
	}
	return doc, nil
}

func parseEdit(raw json.RawMessage, path string, refs map[string]Anchor) (*Edit, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "%s: expected an object", path)
	}
	if len(m) != 1 {
		return nil, errs.New(errs.KindInvalidRequest,
			"%s: must contain exactly one edit key, got %d", path, len(m))
	}
	var kind string
	var body json.RawMessage
	for k, v := range m {
		kind, body = k, v
	}
	if !editKinds[kind] {
		return nil, errs.New(errs.KindInvalidRequest, "%s: unknown edit %q", path, kind)
	}
	editPath := path + "." + kind
	edit := &Edit{Kind: EditKind(kind)}

	switch edit.Kind {
	case EditSetLine:
		bm, err := strictjson.Object(body, editPath, map[string]bool{
			"anchor": true, "anchor_ref": true, "new_text": true,
		})
		if err != nil {
			return nil, err
		}
		if edit.Anchor, err = anchorField(bm, editPath, "anchor", refs); err != nil {
			return nil, err
		}
		rawText, ok := bm["new_text"]
		if !ok {
			return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"new_text\"", editPath)
		}
		if edit.NewText, err = strictjson.String(rawText, editPath+".new_text"); err != nil {
			return nil, err
		}

	case EditInsertBefore, EditInsertAfter:
		bm, err := strictjson.Object(body, editPath, map[string]bool{
			"anchor": true, "anchor_ref": true, "lines": true,
		})
		if err != nil {
			return nil, err
		}
		if edit.Anchor, err = anchorField(bm, editPath, "anchor", refs); err != nil {
			return nil, err
		}
		if edit.Lines, err = linesField(bm, editPath); err != nil {
			return nil, err
		}

	case EditReplaceLines, EditDeleteLines:
		allowed := map[string]bool{
			"start_anchor": true, "start_anchor_ref": true,
			"end_anchor": true, "end_anchor_ref": true,
		}
		if edit.Kind == EditReplaceLines {
			allowed["lines"] = true
		}
		bm, err := strictjson.Object(body, editPath, allowed)
		if err != nil {
			return nil, err
		}
		if edit.Anchor, err = anchorField(bm, editPath, "start_anchor", refs); err != nil {
			return nil, err
		}
		_, hasEnd := bm["end_anchor"]
		_, hasEndRef := bm["end_anchor_ref"]
		if hasEnd || hasEndRef {
			if edit.EndAnchor, err = anchorField(bm, editPath, "end_anchor", refs); err != nil {
				return nil, err
			}
			edit.HasEnd = true
		}
		if edit.Kind == EditReplaceLines {
			if edit.Lines, err = linesField(bm, editPath); err != nil {
				return nil, err
			}
		}
	}
	return edit, nil
}

// anchorField reads <name> or <name>_ref, enforcing exactly one.
func anchorField(m map[string]json.RawMessage, path, name string, refs map[string]Anchor) (Anchor, error) {
	rawInline, hasInline := m[name]
	rawRef, hasRef := m[name+"_ref"]
	switch {
	case hasInline && hasRef:
		return Anchor{}, errs.New(errs.KindInvalidRequest,
			"%s: %q and %q are mutually exclusive", path, name, name+"_ref")
	case hasInline:
		s, err := strictjson.String(rawInline, path+"."+name)
		if err != nil {
			return Anchor{}, err
		}
		return Parse(s)
	case hasRef:
		ref, err := strictjson.String(rawRef, path+"."+name+"_ref")
		if err != nil {
			return Anchor{}, err
		}
		a, ok := refs[ref]
		if !ok {
			return Anchor{}, errs.New(errs.KindInvalidRequest,
				"%s: unknown anchor_ref %q", path, ref)
		}
		return a, nil
	}
	return Anchor{}, errs.New(errs.KindInvalidRequest,
		"%s: requires %q or %q", path, name, name+"_ref")
}

func linesField(m map[string]json.RawMessage, path string) ([]string, error) {
	raw, ok := m["lines"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"lines\"", path)
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "%s.lines: expected an array of strings", path)
	}
	if len(lines) == 0 {
		return nil, errs.New(errs.KindInvalidRequest, "%s.lines: must not be empty", path)
	}
	return lines, nil
}

// resolvedEdit is an edit resolved to 0-based line coordinates.
type resolvedEdit struct {
	edit       Edit
	start, end int // line-unit half-open range; start==end for inserts
	repaired   bool
}

// Plan is a fully resolved, conflict-checked hashline batch. Checking and
// applying share this one resolution path so they can never disagree.
type Plan struct {
	lines    []Line
	resolved []resolvedEdit
	// Repaired maps original anchor strings to their remapped versions.
	Repaired map[string]string
}

// Resolve resolves every edit in the doc against content, detects overlaps
// across the whole batch, and returns the executable plan.
func (d *Doc) Resolve(content []byte, repair bool) (*Plan, error) {
	lines := SplitLines(content)
	plan := &Plan{lines: lines, Repaired: map[string]string{}}

	var conflictEdits []conflict.Edit
	for i, e := range d.Edits {
		res, err := Resolve(e.Anchor, lines, repair)
		if err != nil {
			return nil, err
		}
		if res.Repaired {
			plan.Repaired[e.Anchor.String()] = AnchorFor(lines, res.Index).String()
		}

		re := resolvedEdit{edit: e, repaired: res.Repaired}
		switch e.Kind {
		case EditSetLine:
			re.start, re.end = res.Index, res.Index+1
		case EditInsertBefore:
			re.start, re.end = res.Index, res.Index
		case EditInsertAfter:
			re.start, re.end = res.Index+1, res.Index+1
		case EditReplaceLines, EditDeleteLines:
			end := res
			if e.HasEnd {
				end, err = Resolve(e.EndAnchor, lines, repair)
				if err != nil {
					return nil, err
				}
				if end.Repaired {
					plan.Repaired[e.EndAnchor.String()] = AnchorFor(lines, end.Index).String()
				}
			}
			if end.Index < res.Index {
				return nil, errs.New(errs.KindInvalidRequest,
					"edit %d: start anchor %q resolves after end anchor %q", i, e.Anchor, e.EndAnchor)
			}
			re.start, re.end = res.Index, end.Index+1
		}
		plan.resolved = append(plan.resolved, re)

		conflictEdits = append(conflictEdits, conflict.Edit{
			OpIndex:  i,
			Span:     changeset.Span{Start: re.start, End: re.end},
			Kind:     conflictKind(e.Kind),
			AnchorID: anchorID(lines, re, res.Index),
		})
	}

	if err := conflict.Check(conflictEdits); err != nil {
		return nil, err
	}
	return plan, nil
}

// anchorID identifies the resolved anchor line so that an insert_before
// and insert_after pair on the same line commutes.
func anchorID(lines []Line, re resolvedEdit, idx int) string {
	if re.edit.Kind == EditInsertBefore || re.edit.Kind == EditInsertAfter ||
		re.edit.Kind == EditSetLine {
		return AnchorFor(lines, idx).String()
	}
	return ""
}

func conflictKind(k EditKind) changeset.OpKind {
	switch k {
	case EditSetLine, EditReplaceLines:
		return changeset.OpReplace
	case EditDeleteLines:
		return changeset.OpDelete
	case EditInsertBefore:
		return changeset.OpInsertBefore
	case EditInsertAfter:
		return changeset.OpInsertAfter
	}
	return changeset.OpReplace
}

// Apply materializes the plan into the file's new content. Edits are
// applied in descending line order so earlier splices never shift later
// coordinates.
func (p *Plan) Apply() []byte {
	ordered := make([]resolvedEdit, len(p.resolved))
	copy(ordered, p.resolved)
	// Descending by start; at equal insertion points insert_after runs
	// first so before-text lands first (mirrors the byte-level executor).
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.start != b.start {
			return a.start > b.start
		}
		return a.edit.Kind == EditInsertAfter && b.edit.Kind != EditInsertAfter
	})

	lines := make([]Line, len(p.lines))
	copy(lines, p.lines)
	dominant := DominantTerm(p.lines)

	for _, re := range ordered {
		lines = applyOne(lines, re, dominant)
	}
	return JoinLines(lines)
}

func applyOne(lines []Line, re resolvedEdit, dominant []byte) []Line {
	switch re.edit.Kind {
	case EditSetLine:
		// Content changes, terminator survives.
		l := lines[re.start]
		l.Content = []byte(re.edit.NewText)
		lines[re.start] = l
		return lines

	case EditDeleteLines:
		return append(lines[:re.start], lines[re.end:]...)

	case EditReplaceLines:
		term := termAt(lines, re.start, dominant)
		lastTerm := lines[re.end-1].Term
		replacement := makeLines(re.edit.Lines, term)
		replacement[len(replacement)-1].Term = lastTerm
		out := make([]Line, 0, len(lines)-(re.end-re.start)+len(replacement))
		out = append(out, lines[:re.start]...)
		out = append(out, replacement...)
		return append(out, lines[re.end:]...)

	case EditInsertBefore, EditInsertAfter:
		term := dominant
		if re.start < len(lines) {
			term = termAt(lines, re.start, dominant)
		} else if len(lines) > 0 {
			term = termAt(lines, len(lines)-1, dominant)
		}
		inserted := makeLines(re.edit.Lines, term)
		// Inserting after an unterminated final line first terminates it,
		// otherwise the insert would glue onto it.
		if re.start == len(lines) && len(lines) > 0 && len(lines[len(lines)-1].Term) == 0 {
			lines[len(lines)-1].Term = term
			inserted[len(inserted)-1].Term = nil
		}
		out := make([]Line, 0, len(lines)+len(inserted))
		out = append(out, lines[:re.start]...)
		out = append(out, inserted...)
		return append(out, lines[re.start:]...)
	}
	return lines
}

func termAt(lines []Line, idx int, dominant []byte) []byte {
	if idx < len(lines) && len(lines[idx].Term) > 0 {
		return lines[idx].Term
	}
	return dominant
}

func makeLines(texts []string, term []byte) []Line {
	out := make([]Line, len(texts))
	for i, t := range texts {
		out[i] = Line{Content: []byte(t), Term: term}
	}
	return out
}

// Fingerprint returns the digest and length of the content the plan would
// produce, for dry runs.
func (p *Plan) Fingerprint() cas.Fingerprint {
	return cas.FingerprintOf(p.Apply())
}
