package changeset

import (
	"encoding/json"
	"fmt"

	"chisel/internal/errs"
	"chisel/internal/strictjson"
)

// Options controls decoding behavior threaded down from the CLI.
type Options struct {
	// AllowLegacy accepts the pre-cutover v1 shape ({"file", "edits"}) and
	// converts it. Off by default; v1 payloads fail with invalid_request.
	AllowLegacy bool
}

const TransactionAllOrNothing = "all_or_nothing"

var topLevelKeys = map[string]bool{
	"file": true, "files": true, "handle_table": true,
	"operations": true, "transaction": true,
}

// Parse decodes and validates a v2 changeset payload. It enforces the
// strict schema (unknown fields, duplicate keys, ambiguous shapes) and
// resolves every handle_ref against its file's handle_table.
func Parse(data []byte, opts Options) (*Changeset, error) {
	if err := CheckDuplicateKeys(data); err != nil {
		return nil, err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "changeset payload is not a JSON object")
	}

	if _, legacy := probe["edits"]; legacy {
		if !opts.AllowLegacy {
			return nil, errs.New(errs.KindInvalidRequest,
				"legacy v1 changeset shape (top-level \"edits\") is no longer accepted; use \"operations\"")
		}
		return parseLegacy(probe)
	}

	top, err := object(data, "$", topLevelKeys)
	if err != nil {
		return nil, err
	}

	_, hasFile := top["file"]
	_, hasFiles := top["files"]
	_, hasOps := top["operations"]
	_, hasTable := top["handle_table"]

	switch {
	case hasFile && hasFiles:
		return nil, errs.New(errs.KindInvalidRequest, "ambiguous shape: both \"file\" and \"files\" present")
	case hasFiles && hasOps:
		return nil, errs.New(errs.KindInvalidRequest, "ambiguous shape: top-level \"operations\" with \"files\"")
	case hasFiles && hasTable:
		return nil, errs.New(errs.KindInvalidRequest, "ambiguous shape: top-level \"handle_table\" with \"files\"")
	case !hasFile && !hasFiles:
		return nil, errs.New(errs.KindInvalidRequest, "changeset requires either \"file\" or \"files\"")
	}

	cs := &Changeset{TransactionMode: TransactionAllOrNothing}
	if raw, ok := top["transaction"]; ok {
		mode, err := parseTransaction(raw)
		if err != nil {
			return nil, err
		}
		cs.TransactionMode = mode
	}

	if hasFile {
		fc, err := parseFileChange(top, "$")
		if err != nil {
			return nil, err
		}
		cs.Files = append(cs.Files, *fc)
	} else {
		var rawFiles []json.RawMessage
		if err := json.Unmarshal(top["files"], &rawFiles); err != nil {
			return nil, errs.New(errs.KindInvalidRequest, "$.files: expected an array")
		}
		if len(rawFiles) == 0 {
			return nil, errs.New(errs.KindInvalidRequest, "$.files: must not be empty")
		}
		for i, rawFC := range rawFiles {
			path := fmt.Sprintf("$.files[%d]", i)
			m, err := object(rawFC, path, map[string]bool{
				"file": true, "handle_table": true, "operations": true,
			})
			if err != nil {
				return nil, err
			}
			fc, err := parseFileChange(m, path)
			if err != nil {
				return nil, err
			}
			cs.Files = append(cs.Files, *fc)
		}
	}

	for i := range cs.Files {
		if err := resolveHandleRefs(&cs.Files[i], i); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

func parseTransaction(raw json.RawMessage) (string, error) {
	m, err := object(raw, "$.transaction", map[string]bool{"mode": true})
	if err != nil {
		return "", err
	}
	rawMode, ok := m["mode"]
	if !ok {
		return "", errs.New(errs.KindInvalidRequest, "$.transaction: missing \"mode\"")
	}
	mode, err := decodeString(rawMode, "$.transaction.mode")
	if err != nil {
		return "", err
	}
	if mode != TransactionAllOrNothing {
		return "", errs.New(errs.KindInvalidRequest,
			"$.transaction.mode: unsupported mode %q (only %q)", mode, TransactionAllOrNothing)
	}
	return mode, nil
}

func parseFileChange(m map[string]json.RawMessage, path string) (*FileChange, error) {
	rawFile, ok := m["file"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"file\"", path)
	}
	file, err := decodeString(rawFile, path+".file")
	if err != nil {
		return nil, err
	}
	if file == "" {
		return nil, errs.New(errs.KindInvalidRequest, "%s.file: must not be empty", path)
	}

	fc := &FileChange{File: file}

	if rawTable, ok := m["handle_table"]; ok {
		table, err := parseHandleTable(rawTable, path+".handle_table")
		if err != nil {
			return nil, err
		}
		fc.HandleTable = table
	}

	rawOps, ok := m["operations"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"operations\"", path)
	}
	var rawList []json.RawMessage
	if err := json.Unmarshal(rawOps, &rawList); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "%s.operations: expected an array", path)
	}
	if len(rawList) == 0 {
		return nil, errs.New(errs.KindInvalidRequest, "%s.operations: must not be empty", path)
	}
	for i, rawOp := range rawList {
		op, err := parseOperation(rawOp, fmt.Sprintf("%s.operations[%d]", path, i))
		if err != nil {
			return nil, err
		}
		fc.Operations = append(fc.Operations, *op)
	}
	return fc, nil
}

func parseHandleTable(raw json.RawMessage, path string) (map[string]NodeTarget, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "%s: expected an object", path)
	}
	table := make(map[string]NodeTarget, len(m))
	for name, rawTarget := range m {
		t, err := parseTarget(rawTarget, path+"."+name)
		if err != nil {
			return nil, err
		}
		if t.Kind != TargetNode {
			return nil, errs.New(errs.KindInvalidRequest,
				"%s.%s: handle_table entries must be node targets, got %q", path, name, t.Kind)
		}
		table[name] = *t.Node
	}
	return table, nil
}

func parseOperation(raw json.RawMessage, path string) (*Operation, error) {
	m, err := object(raw, path, map[string]bool{"target": true, "op": true, "preview": true})
	if err != nil {
		return nil, err
	}
	rawTarget, ok := m["target"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"target\"", path)
	}
	target, err := parseTarget(rawTarget, path+".target")
	if err != nil {
		return nil, err
	}
	rawOp, ok := m["op"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"op\"", path)
	}
	op, err := parseOp(rawOp, path+".op")
	if err != nil {
		return nil, err
	}
	operation := &Operation{Target: *target, Op: *op}

	if rawPreview, ok := m["preview"]; ok {
		preview, err := parsePreview(rawPreview, path+".preview")
		if err != nil {
			return nil, err
		}
		operation.Preview = preview
	}

	if err := checkOperationShape(operation, path); err != nil {
		return nil, err
	}
	return operation, nil
}

// checkOperationShape enforces target/op compatibility rules that are
// structural, not content-dependent.
func checkOperationShape(op *Operation, path string) error {
	atFileEdge := op.Target.Kind == TargetFileStart || op.Target.Kind == TargetFileEnd
	switch op.Op.Kind {
	case OpInsert:
		if !atFileEdge {
			return errs.New(errs.KindInvalidRequest,
				"%s: \"insert\" is only valid at file_start or file_end targets", path)
		}
	case OpMoveFile:
		// A whole-file move addresses the file itself, via file_start with
		// its whole-file hash precondition.
		if op.Target.Kind != TargetFileStart {
			return errs.New(errs.KindInvalidRequest,
				"%s: \"move\" must target file_start, got %q", path, op.Target.Kind)
		}
	default:
		if atFileEdge {
			return errs.New(errs.KindInvalidRequest,
				"%s: %s targets only accept \"insert\"", path, op.Target.Kind)
		}
	}
	return nil
}

var nodeTargetKeys = map[string]bool{
	"type": true, "identity": true, "kind": true, "span_hint": true, "expected_old_hash": true,
}

func parseTarget(raw json.RawMessage, path string) (*Target, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "%s: expected an object", path)
	}
	rawType, ok := probe["type"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"type\"", path)
	}
	typ, err := decodeString(rawType, path+".type")
	if err != nil {
		return nil, err
	}

	switch TargetKind(typ) {
	case TargetNode:
		m, err := object(raw, path, nodeTargetKeys)
		if err != nil {
			return nil, err
		}
		node := &NodeTarget{}
		if node.Identity, err = requiredString(m, "identity", path); err != nil {
			return nil, err
		}
		if node.Kind, err = requiredString(m, "kind", path); err != nil {
			return nil, err
		}
		if node.ExpectedOldHash, err = requiredString(m, "expected_old_hash", path); err != nil {
			return nil, err
		}
		if rawHint, ok := m["span_hint"]; ok {
			span, err := decodeSpan(rawHint, path+".span_hint")
			if err != nil {
				return nil, err
			}
			node.SpanHint = &span
		}
		return &Target{Kind: TargetNode, Node: node}, nil

	case TargetLine:
		m, err := object(raw, path, map[string]bool{"type": true, "anchor": true, "end_anchor": true})
		if err != nil {
			return nil, err
		}
		line := &LineTarget{}
		if line.Anchor, err = requiredString(m, "anchor", path); err != nil {
			return nil, err
		}
		if rawEnd, ok := m["end_anchor"]; ok {
			if line.EndAnchor, err = decodeString(rawEnd, path+".end_anchor"); err != nil {
				return nil, err
			}
		}
		return &Target{Kind: TargetLine, Line: line}, nil

	case TargetFileStart, TargetFileEnd:
		m, err := object(raw, path, map[string]bool{"type": true, "expected_file_hash": true})
		if err != nil {
			return nil, err
		}
		hash, err := requiredString(m, "expected_file_hash", path)
		if err != nil {
			return nil, err
		}
		return &Target{Kind: TargetKind(typ), ExpectedFileHash: hash}, nil

	case TargetHandleRef:
		m, err := object(raw, path, map[string]bool{"type": true, "ref": true})
		if err != nil {
			return nil, err
		}
		ref, err := requiredString(m, "ref", path)
		if err != nil {
			return nil, err
		}
		return &Target{Kind: TargetHandleRef, Ref: ref}, nil
	}
	return nil, errs.New(errs.KindInvalidRequest, "%s.type: unknown target type %q", path, typ)
}

func requiredString(m map[string]json.RawMessage, key, path string) (string, error) {
	return strictjson.RequiredString(m, key, path)
}

var opKinds = map[string]bool{
	"replace": true, "delete": true, "insert_before": true, "insert_after": true,
	"insert": true, "move_before": true, "move_after": true,
	"move_to_before": true, "move_to_after": true, "move": true,
}

func parseOp(raw json.RawMessage, path string) (*Op, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "%s: expected an object", path)
	}
	if len(m) != 1 {
		return nil, errs.New(errs.KindInvalidRequest,
			"%s: must contain exactly one operation key, got %d", path, len(m))
	}
	var kind string
	var body json.RawMessage
	for k, v := range m {
		kind, body = k, v
	}
	if !opKinds[kind] {
		return nil, errs.New(errs.KindInvalidRequest, "%s: unknown operation %q", path, kind)
	}

	opPath := path + "." + kind
	op := &Op{Kind: OpKind(kind)}

	switch op.Kind {
	case OpReplace, OpInsertBefore, OpInsertAfter, OpInsert:
		bm, err := object(body, opPath, map[string]bool{"new_text": true})
		if err != nil {
			return nil, err
		}
		rawText, ok := bm["new_text"]
		if !ok {
			return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"new_text\"", opPath)
		}
		if op.NewText, err = decodeString(rawText, opPath+".new_text"); err != nil {
			return nil, err
		}

	case OpDelete:
		if _, err := object(body, opPath, nil); err != nil {
			return nil, err
		}

	case OpMoveBefore, OpMoveAfter:
		bm, err := object(body, opPath, map[string]bool{"destination": true})
		if err != nil {
			return nil, err
		}
		rawDest, ok := bm["destination"]
		if !ok {
			return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"destination\"", opPath)
		}
		dest, err := parseTarget(rawDest, opPath+".destination")
		if err != nil {
			return nil, err
		}
		op.Destination = dest

	case OpMoveToBefore, OpMoveToAfter:
		bm, err := object(body, opPath, map[string]bool{"destination_file": true, "destination": true})
		if err != nil {
			return nil, err
		}
		if op.DestinationFile, err = requiredString(bm, "destination_file", opPath); err != nil {
			return nil, err
		}
		rawDest, ok := bm["destination"]
		if !ok {
			return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"destination\"", opPath)
		}
		dest, err := parseTarget(rawDest, opPath+".destination")
		if err != nil {
			return nil, err
		}
		op.Destination = dest

	case OpMoveFile:
		bm, err := object(body, opPath, map[string]bool{"to": true})
		if err != nil {
			return nil, err
		}
		if op.MoveTo, err = requiredString(bm, "to", opPath); err != nil {
			return nil, err
		}
	}
	return op, nil
}

var previewKeys = map[string]bool{
	"old_text": true, "old_hash": true, "old_len": true,
	"new_text": true, "matched_span": true,
}

func parsePreview(raw json.RawMessage, path string) (*Preview, error) {
	m, err := object(raw, path, previewKeys)
	if err != nil {
		return nil, err
	}
	p := &Preview{}

	if rawOld, ok := m["old_text"]; ok {
		s, err := decodeString(rawOld, path+".old_text")
		if err != nil {
			return nil, err
		}
		p.OldText = &s
	}
	if rawHash, ok := m["old_hash"]; ok {
		if p.OldHash, err = decodeString(rawHash, path+".old_hash"); err != nil {
			return nil, err
		}
	}
	if rawLen, ok := m["old_len"]; ok {
		n, err := decodeInt(rawLen, path+".old_len")
		if err != nil {
			return nil, err
		}
		p.OldLen = &n
	}

	hasText := p.OldText != nil
	hasHash := p.OldHash != "" || p.OldLen != nil
	if hasText && hasHash {
		return nil, errs.New(errs.KindInvalidRequest,
			"%s: \"old_text\" is mutually exclusive with \"old_hash\"/\"old_len\"", path)
	}
	if !hasText && (p.OldHash == "" || p.OldLen == nil) {
		return nil, errs.New(errs.KindInvalidRequest,
			"%s: requires either \"old_text\" or both \"old_hash\" and \"old_len\"", path)
	}

	rawNew, ok := m["new_text"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"new_text\"", path)
	}
	if p.NewText, err = decodeString(rawNew, path+".new_text"); err != nil {
		return nil, err
	}

	rawSpan, ok := m["matched_span"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "%s: missing \"matched_span\"", path)
	}
	if p.MatchedSpan, err = decodeSpan(rawSpan, path+".matched_span"); err != nil {
		return nil, err
	}
	return p, nil
}

// resolveHandleRefs substitutes every handle_ref target with the node
// target it names in the file's handle_table. Runs before any validation
// so downstream code never sees an unresolved ref.
func resolveHandleRefs(fc *FileChange, fileIndex int) error {
	resolve := func(t *Target, where string) error {
		if t.Kind != TargetHandleRef {
			return nil
		}
		node, ok := fc.HandleTable[t.Ref]
		if !ok {
			return errs.New(errs.KindInvalidRequest,
				"unknown handle_ref %q at %s (file %q)", t.Ref, where, fc.File)
		}
		nodeCopy := node
		*t = Target{Kind: TargetNode, Node: &nodeCopy, Ref: t.Ref}
		return nil
	}

	for i := range fc.Operations {
		op := &fc.Operations[i]
		where := fmt.Sprintf("$.files[%d].operations[%d]", fileIndex, i)
		if err := resolve(&op.Target, where+".target"); err != nil {
			return err
		}
		if op.Op.Destination != nil && op.Op.DestinationFile == "" {
			if err := resolve(op.Op.Destination, where+".op.destination"); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseLegacy converts the v1 shape ({"file", "edits"}) into a v2
// changeset. Only reachable when Options.AllowLegacy is set.
func parseLegacy(top map[string]json.RawMessage) (*Changeset, error) {
	for k := range top {
		if k != "file" && k != "edits" {
			return nil, errs.New(errs.KindInvalidRequest, "unknown field %q in legacy changeset", k)
		}
	}
	rawFile, ok := top["file"]
	if !ok {
		return nil, errs.New(errs.KindInvalidRequest, "legacy changeset: missing \"file\"")
	}
	file, err := decodeString(rawFile, "$.file")
	if err != nil {
		return nil, err
	}
	var rawList []json.RawMessage
	if err := json.Unmarshal(top["edits"], &rawList); err != nil {
		return nil, errs.New(errs.KindInvalidRequest, "$.edits: expected an array")
	}
	fc := FileChange{File: file}
	for i, rawOp := range rawList {
		op, err := parseOperation(rawOp, fmt.Sprintf("$.edits[%d]", i))
		if err != nil {
			return nil, err
		}
		fc.Operations = append(fc.Operations, *op)
	}
	if len(fc.Operations) == 0 {
		return nil, errs.New(errs.KindInvalidRequest, "$.edits: must not be empty")
	}
	cs := &Changeset{Files: []FileChange{fc}, TransactionMode: TransactionAllOrNothing}
	if err := resolveHandleRefs(&cs.Files[0], 0); err != nil {
		return nil, err
	}
	return cs, nil
}
