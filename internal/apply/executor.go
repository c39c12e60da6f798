// Package apply is the transactional executor: it consumes a validated
// changeset, plans every file's new content and every file move up front,
// and only then writes. Validation failures anywhere leave every file
// untouched.
package apply

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"chisel/internal/cas"
	"chisel/internal/changeset"
	"chisel/internal/conflict"
	"chisel/internal/errs"
	"chisel/internal/movegraph"
	"chisel/internal/provider"
	"chisel/internal/resolve"
)

// Options selects dry-run and anchor-repair behavior for one run.
type Options struct {
	DryRun bool
	Repair bool
	// KeepContent retains before/after bytes on each FileOutcome so the
	// caller can render a diff. Off by default: dry runs report only
	// fingerprints unless content is explicitly requested.
	KeepContent bool
}

// Recorder observes committed transactions; the journal implements it.
// A nil Recorder disables recording.
type Recorder interface {
	// RecordPreImage stores a file's content before it is overwritten.
	RecordPreImage(path string, content []byte) (object string, err error)
	// Commit records the completed transaction.
	Commit(summary Summary, files []FileOutcome) error
}

// Summary is the operation-count section of the apply response.
type Summary struct {
	FilesModified     int `json:"files_modified"`
	OperationsApplied int `json:"operations_applied"`
	OperationsFailed  int `json:"operations_failed"`
}

// Transaction is the status section of the apply response.
type Transaction struct {
	Status string `json:"status"` // "committed" or "dry_run"
}

// FileOutcome reports one file's result. Fingerprint carries the would-be
// content digest in dry runs; full content is never disclosed.
type FileOutcome struct {
	File        string           `json:"file"`
	Status      string           `json:"status"` // modified, unchanged, moved, created
	MovedTo     string           `json:"moved_to,omitempty"`
	Fingerprint *cas.Fingerprint `json:"fingerprint,omitempty"`

	oldContent []byte
	newContent []byte
	oldDigest  string
	backup     string
}

// Response is the apply response wire shape.
type Response struct {
	Transaction Transaction   `json:"transaction"`
	Summary     Summary       `json:"summary"`
	Files       []FileOutcome `json:"files"`
	// RepairedAnchors maps stale anchors to their remapped versions when
	// repair mode relocated any.
	RepairedAnchors map[string]string `json:"repaired_anchors,omitempty"`
}

// Executor runs changesets against the filesystem.
type Executor struct {
	registry *provider.Registry
	recorder Recorder
}

// NewExecutor builds an executor. recorder may be nil.
func NewExecutor(registry *provider.Registry, recorder Recorder) *Executor {
	return &Executor{registry: registry, recorder: recorder}
}

// plannedFile is one file's fully computed future.
type plannedFile struct {
	path    string
	old     []byte
	new     []byte
	opCount int
}

// Run validates the entire changeset, then applies it. Any validation
// error is returned before the first byte is written.
func (e *Executor) Run(cs *changeset.Changeset, opts Options) (*Response, error) {
	resolver := resolve.New(e.registry, readFile, resolve.Options{Repair: opts.Repair})

	resolutions := make([]*resolve.FileResolution, 0, len(cs.Files))
	byPath := map[string]*resolve.FileResolution{}
	opCounts := map[string]int{}
	totalOps := 0

	for _, fc := range cs.Files {
		key := movegraph.Canonical(fc.File)
		if _, dup := byPath[key]; dup {
			return nil, errs.New(errs.KindInvalidRequest, "file %q appears more than once in the changeset", fc.File)
		}
		res, err := resolver.FileChange(fc)
		if err != nil {
			return nil, err
		}
		resolutions = append(resolutions, res)
		byPath[key] = res
		opCounts[key] = len(fc.Operations)
		totalOps += len(fc.Operations)
	}

	// Fold cross-file node-move inserts into their destination files and
	// re-check each affected file's combined edit set.
	extra := map[string][]conflict.Edit{}
	for _, res := range resolutions {
		for dest, edits := range res.Cross {
			extra[dest] = append(extra[dest], edits...)
		}
	}
	destPaths := make([]string, 0, len(extra))
	for dest := range extra {
		destPaths = append(destPaths, dest)
	}
	sort.Strings(destPaths)
	for _, dest := range destPaths {
		edits := extra[dest]
		// Folded edits are renumbered past the destination file's own
		// operations so a conflict diagnostic never names the same index
		// for two different operations.
		next := opCounts[dest]
		for i := range edits {
			edits[i].OpIndex = next
			next++
		}
		if res, ok := byPath[dest]; ok {
			if res.Move != nil {
				return nil, errs.New(errs.KindInvalidRequest,
					"file %q receives moved nodes but is itself being moved", res.Path)
			}
			res.Edits = append(res.Edits, edits...)
			if err := conflict.Check(res.Edits); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := resolver.Snapshot(dest); err != nil {
			return nil, err
		}
		res := &resolve.FileResolution{Path: dest, Edits: edits}
		if err := conflict.Check(res.Edits); err != nil {
			return nil, err
		}
		resolutions = append(resolutions, res)
		byPath[dest] = res
	}

	// Plan whole-file moves.
	var moves []movegraph.Move
	for _, res := range resolutions {
		if res.Move != nil {
			moves = append(moves, res.Move.Move)
		}
	}
	ordered, err := movegraph.Plan(moves, func(path string) bool {
		if res, ok := byPath[movegraph.Canonical(path)]; ok && res.Move != nil {
			return true
		}
		_, statErr := os.Stat(path)
		return statErr == nil
	})
	if err != nil {
		return nil, err
	}
	for _, m := range ordered {
		if res, ok := byPath[movegraph.Canonical(m.Dest)]; ok && res.Move == nil {
			return nil, errs.New(errs.KindInvalidRequest,
				"file %q is both a move destination and an edit target", res.Path)
		}
	}

	// Compute every file's future content before touching anything.
	var planned []plannedFile
	for _, res := range resolutions {
		if res.Move != nil {
			continue
		}
		snap, err := resolver.Snapshot(res.Path)
		if err != nil {
			return nil, err
		}
		planned = append(planned, plannedFile{
			path:    res.Path,
			old:     snap.Content,
			new:     Splice(snap.Content, res.Edits),
			opCount: opCounts[movegraph.Canonical(res.Path)],
		})
	}

	resp := &Response{
		Summary: Summary{OperationsApplied: totalOps},
	}
	if len(resolver.Repaired) > 0 {
		resp.RepairedAnchors = resolver.Repaired
	}

	if opts.DryRun {
		resp.Transaction.Status = "dry_run"
		for _, p := range planned {
			fp := cas.FingerprintOf(p.new)
			status := "modified"
			if bytes.Equal(p.old, p.new) {
				status = "unchanged"
			} else {
				resp.Summary.FilesModified++
			}
			outcome := FileOutcome{File: p.path, Status: status, Fingerprint: &fp}
			if opts.KeepContent {
				outcome.oldContent = p.old
				outcome.newContent = p.new
			}
			resp.Files = append(resp.Files, outcome)
		}
		for _, m := range ordered {
			resp.Files = append(resp.Files, FileOutcome{File: m.Source, Status: "moved", MovedTo: m.Dest})
			resp.Summary.FilesModified++
		}
		return resp, nil
	}

	outcomes, err := e.write(planned, ordered)
	if err != nil {
		return nil, err
	}
	resp.Transaction.Status = "committed"
	resp.Files = outcomes
	for _, o := range outcomes {
		if o.Status != "unchanged" {
			resp.Summary.FilesModified++
		}
	}

	if e.recorder != nil && resp.Summary.FilesModified > 0 {
		if err := e.recorder.Commit(resp.Summary, outcomes); err != nil {
			// The apply already committed; journal trouble is a warning,
			// never an apply failure.
			fmt.Fprintf(os.Stderr, "warning: journal: %v\n", err)
		}
	}
	return resp, nil
}

// write performs the mutation phase: content splices first, then the
// ordered file moves. A byte-identical result is reported as unchanged and
// never opens the file for writing.
func (e *Executor) write(planned []plannedFile, moves []movegraph.Move) ([]FileOutcome, error) {
	var outcomes []FileOutcome

	for _, p := range planned {
		if bytes.Equal(p.old, p.new) {
			outcomes = append(outcomes, FileOutcome{File: p.path, Status: "unchanged"})
			continue
		}
		outcome := FileOutcome{File: p.path, Status: "modified", oldDigest: cas.HashHex(p.old)}
		if e.recorder != nil {
			object, err := e.recorder.RecordPreImage(p.path, p.old)
			if err != nil {
				return nil, errs.Wrap(errs.KindIOError, err, "recording pre-image of %q", p.path)
			}
			outcome.backup = object
		}
		if err := casWrite(p.path, p.old, p.new); err != nil {
			return nil, err
		}
		outcome.oldContent = p.old
		outcome.newContent = p.new
		outcomes = append(outcomes, outcome)
	}

	for _, m := range moves {
		if err := os.MkdirAll(filepath.Dir(m.Dest), 0755); err != nil {
			return nil, errs.Wrap(errs.KindIOError, err, "creating directory for %q", m.Dest)
		}
		if err := os.Rename(m.Source, m.Dest); err != nil {
			return nil, errs.Wrap(errs.KindIOError, err, "moving %q", m.Source)
		}
		outcomes = append(outcomes, FileOutcome{File: m.Source, Status: "moved", MovedTo: m.Dest})
	}
	return outcomes, nil
}

// casWrite overwrites path with next, but only if the file still matches
// the snapshot the plan was validated against. The re-check plus an atomic
// rename-from-temp closes the window between validation and write.
func casWrite(path string, snapshot, next []byte) error {
	current, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "re-reading %q", path)
	}
	if !bytes.Equal(current, snapshot) {
		return errs.New(errs.KindPreconditionFailed,
			"file %q changed between validation and write", path)
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".chisel-*")
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "creating temp file in %q", dir)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(next); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIOError, err, "writing %q", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIOError, err, "closing %q", tmpPath)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIOError, err, "setting mode on %q", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIOError, err, "replacing %q", path)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindIOError, "file not found: %q", path)
		}
		if os.IsPermission(err) {
			return nil, errs.New(errs.KindIOError, "permission denied: %q", path)
		}
		return nil, errs.Wrap(errs.KindIOError, err, "reading %q", path)
	}
	return content, nil
}

// OldDigest exposes the pre-write digest for the journal.
func (o FileOutcome) OldDigest() string { return o.oldDigest }

// NewDigest computes the post-write digest for the journal.
func (o FileOutcome) NewDigest() string {
	if o.newContent == nil {
		return ""
	}
	return cas.HashHex(o.newContent)
}

// Backup names the stored pre-image object, if any.
func (o FileOutcome) Backup() string { return o.backup }

// Contents returns the before/after bytes captured with
// Options.KeepContent; both nil otherwise.
func (o FileOutcome) Contents() (old, new []byte) { return o.oldContent, o.newContent }

// ReplaceFile overwrites path with next, re-verifying that the file still
// matches the snapshot the caller validated against. Used by the hashline
// path so check and apply share the executor's write discipline.
func ReplaceFile(path string, snapshot, next []byte) error {
	return casWrite(path, snapshot, next)
}

// ReadSource reads a file with the executor's io_error classification.
func ReadSource(path string) ([]byte, error) {
	return readFile(path)
}
