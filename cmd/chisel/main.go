// Package main provides the chisel CLI.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"chisel/internal/anchor"
	"chisel/internal/apply"
	"chisel/internal/cas"
	"chisel/internal/changeset"
	"chisel/internal/config"
	"chisel/internal/errs"
	"chisel/internal/journal"
	"chisel/internal/provider"
)

// Version is the current chisel CLI version.
var Version = "0.3.1"

var rootCmd = &cobra.Command{
	Use:     "chisel",
	Short:   "Chisel - hash-anchored structural edits to source files",
	Long:    `Chisel applies declarative changesets to source files: structural edits located by AST node identity or content-hashed line anchors, validated against current bytes and applied atomically.`,
	Version: Version,
}

var (
	flagJSON   bool
	flagDryRun bool
	flagRepair bool
	flagDiff   bool
	flagKind   string
	flagName   string
	flagLimit  int
)

var applyCmd = &cobra.Command{
	Use:   "apply <changeset.json | ->",
	Short: "Validate and apply a changeset",
	Long: `Validate and apply a v2 changeset read from a file or stdin ("-").

All operations across all files are validated against current bytes
before the first write; any failure leaves every file untouched.

Examples:
  chisel apply changes.json
  chisel apply --dry-run --diff changes.json
  cat changes.json | chisel apply --json -`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

var hashlineCmd = &cobra.Command{
	Use:   "hashline <edits.json | ->",
	Short: "Apply line-anchored edits to one file",
	Long: `Apply a hashline edit document: line edits anchored by "<line>:<hash>"
references. With --repair, stale anchors remap to the unique line still
carrying their digest; without it they fail strictly.`,
	Args: cobra.ExactArgs(1),
	RunE: runHashline,
}

var selectCmd = &cobra.Command{
	Use:   "select <glob>",
	Short: "List selectable nodes in files matching a glob",
	Long: `Run the language providers over files matching a doublestar glob and
print the resulting handles, for building changesets.

Examples:
  chisel select 'src/**/*.py'
  chisel select --kind function --name main '**/*.go'`,
	Args: cobra.ExactArgs(1),
	RunE: runSelect,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent applied transactions",
	RunE:  runLog,
}

var logShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one transaction's detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogShow,
}

func init() {
	applyCmd.Flags().BoolVar(&flagJSON, "json", false, "print the full JSON response")
	applyCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "validate and report fingerprints without writing")
	applyCmd.Flags().BoolVar(&flagRepair, "repair", false, "allow stale line anchors to remap to a unique match")
	applyCmd.Flags().BoolVar(&flagDiff, "diff", false, "with --dry-run, print a unified diff per file")

	hashlineCmd.Flags().BoolVar(&flagJSON, "json", false, "print the full JSON response")
	hashlineCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "validate and report the fingerprint without writing")
	hashlineCmd.Flags().BoolVar(&flagRepair, "repair", false, "allow stale anchors to remap to a unique match")

	selectCmd.Flags().BoolVar(&flagJSON, "json", false, "print handles as JSON")
	selectCmd.Flags().StringVar(&flagKind, "kind", "", "only handles of this kind")
	selectCmd.Flags().StringVar(&flagName, "name", "", "only handles with this name")

	logCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of transactions to show")
	logCmd.AddCommand(logShowCmd)

	rootCmd.AddCommand(applyCmd, hashlineCmd, selectCmd, logCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fail prints the error response as pretty JSON on stdout and returns a
// silent error so cobra exits non-zero without double-printing.
func fail(cmd *cobra.Command, err error) error {
	printJSON(errs.ToWire(err))
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return err
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		// serialization_error is the last-resort fallback.
		fmt.Printf("{\n  \"error\": {\n    \"type\": \"serialization_error\",\n    \"message\": %q\n  }\n}\n", err.Error())
		return
	}
	fmt.Println(string(data))
}

func readPayload(arg string) ([]byte, error) {
	if arg == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, errs.Wrap(errs.KindIOError, err, "reading stdin")
		}
		return data, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "reading changeset %q", arg)
	}
	return data, nil
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindIOError, err, "loading config"))
	}

	payload, err := readPayload(args[0])
	if err != nil {
		return fail(cmd, err)
	}

	cs, err := changeset.Parse(payload, changeset.Options{AllowLegacy: cfg.AllowLegacy})
	if err != nil {
		return fail(cmd, err)
	}

	var recorder apply.Recorder
	if cfg.Journal && !flagDryRun {
		j, err := journal.Open(cfg.JournalDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: journal unavailable: %v\n", err)
		} else {
			defer j.Close()
			recorder = j
		}
	}

	executor := apply.NewExecutor(provider.NewRegistry(), recorder)
	resp, err := executor.Run(cs, apply.Options{
		DryRun:      flagDryRun,
		Repair:      flagRepair || cfg.Repair,
		KeepContent: flagDryRun && flagDiff,
	})
	if err != nil {
		return fail(cmd, err)
	}

	if flagDryRun && flagDiff {
		for _, f := range resp.Files {
			before, after := f.Contents()
			if f.Status == "modified" && before != nil {
				printUnifiedDiff(f.File, before, after)
			}
		}
	}

	if flagJSON {
		printJSON(resp)
	} else {
		printApplySummary(resp)
	}
	return nil
}

func printApplySummary(resp *apply.Response) {
	fmt.Printf("%s: %d file(s) modified, %d operation(s) applied\n",
		resp.Transaction.Status, resp.Summary.FilesModified, resp.Summary.OperationsApplied)
	for _, f := range resp.Files {
		switch f.Status {
		case "moved":
			fmt.Printf("  moved      %s -> %s\n", f.File, f.MovedTo)
		case "unchanged":
			fmt.Printf("  unchanged  %s\n", f.File)
		default:
			if f.Fingerprint != nil {
				fmt.Printf("  %-9s  %s (%s, %d bytes)\n", f.Status, f.File, f.Fingerprint.Digest[:12], f.Fingerprint.Bytes)
			} else {
				fmt.Printf("  %-9s  %s\n", f.Status, f.File)
			}
		}
	}
	for stale, fresh := range resp.RepairedAnchors {
		fmt.Printf("  repaired   %s -> %s\n", stale, fresh)
	}
}

func runHashline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindIOError, err, "loading config"))
	}

	payload, err := readPayload(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	doc, err := anchor.ParseDoc(payload)
	if err != nil {
		return fail(cmd, err)
	}

	content, err := apply.ReadSource(doc.File)
	if err != nil {
		return fail(cmd, err)
	}

	plan, err := doc.Resolve(content, flagRepair || cfg.Repair)
	if err != nil {
		return fail(cmd, err)
	}

	resp := &apply.Response{
		Summary: apply.Summary{OperationsApplied: len(doc.Edits)},
	}
	if len(plan.Repaired) > 0 {
		resp.RepairedAnchors = plan.Repaired
	}

	next := plan.Apply()
	unchanged := bytes.Equal(content, next)

	if flagDryRun {
		resp.Transaction.Status = "dry_run"
		fp := plan.Fingerprint()
		status := "modified"
		if unchanged {
			status = "unchanged"
		} else {
			resp.Summary.FilesModified = 1
		}
		resp.Files = []apply.FileOutcome{{File: doc.File, Status: status, Fingerprint: &fp}}
	} else {
		resp.Transaction.Status = "committed"
		if unchanged {
			resp.Files = []apply.FileOutcome{{File: doc.File, Status: "unchanged"}}
		} else {
			if err := apply.ReplaceFile(doc.File, content, next); err != nil {
				return fail(cmd, err)
			}
			fp := cas.FingerprintOf(next)
			resp.Summary.FilesModified = 1
			resp.Files = []apply.FileOutcome{{File: doc.File, Status: "modified", Fingerprint: &fp}}
		}
	}

	if flagJSON {
		printJSON(resp)
	} else {
		printApplySummary(resp)
	}
	return nil
}

func runSelect(cmd *cobra.Command, args []string) error {
	matches, err := doublestar.FilepathGlob(args[0])
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindInvalidRequest, err, "bad glob %q", args[0]))
	}
	if len(matches) == 0 {
		return fail(cmd, errs.New(errs.KindTargetMissing, "no files match %q", args[0]))
	}

	registry := provider.NewRegistry()
	type fileHandles struct {
		File    string            `json:"file"`
		Handles []provider.Handle `json:"handles"`
	}
	var out []fileHandles

	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		src, err := apply.ReadSource(path)
		if err != nil {
			return fail(cmd, err)
		}
		if err := provider.CheckSource(path, src); err != nil {
			return fail(cmd, err)
		}
		handles, err := registry.ForFile(path, src).Select(src)
		if err != nil {
			return fail(cmd, errs.Wrap(errs.KindOf(err), err, "%s", path))
		}

		var kept []provider.Handle
		for _, h := range handles {
			if flagKind != "" && h.Kind != flagKind {
				continue
			}
			if flagName != "" && h.Name != flagName {
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) > 0 {
			out = append(out, fileHandles{File: path, Handles: kept})
		}
	}

	if flagJSON {
		printJSON(out)
		return nil
	}
	for _, fh := range out {
		fmt.Printf("%s:\n", fh.File)
		for _, h := range fh.Handles {
			fmt.Printf("  %-10s %-24s [%d,%d) identity=%s\n",
				h.Kind, h.Name, h.Span.Start, h.Span.End, h.Identity[:16])
		}
	}
	return nil
}

func runLog(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindIOError, err, "loading config"))
	}
	j, err := journal.Open(cfg.JournalDir)
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindIOError, err, "opening journal"))
	}
	defer j.Close()

	entries, err := j.List(flagLimit)
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindIOError, err, "listing journal"))
	}
	if len(entries) == 0 {
		fmt.Println("no transactions recorded")
		return nil
	}
	for _, e := range entries {
		ts := time.UnixMilli(e.CommittedAt).Format("2006-01-02 15:04:05")
		line := fmt.Sprintf("%s  %s  %d file(s), %d op(s)", e.ID[:12], ts, e.FilesModified, e.OperationsApplied)
		if e.GitHead != "" {
			line += "  git:" + e.GitHead[:8]
		}
		fmt.Println(line)
	}
	return nil
}

func runLogShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(".")
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindIOError, err, "loading config"))
	}
	j, err := journal.Open(cfg.JournalDir)
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindIOError, err, "opening journal"))
	}
	defer j.Close()

	entry, files, err := j.Show(args[0])
	if err != nil {
		return fail(cmd, errs.Wrap(errs.KindIOError, err, "showing transaction"))
	}
	ts := time.UnixMilli(entry.CommittedAt).Format("2006-01-02 15:04:05")
	fmt.Printf("transaction %s\n  committed: %s\n", entry.ID, ts)
	if entry.GitHead != "" {
		fmt.Printf("  git head:  %s\n", entry.GitHead)
	}
	fmt.Printf("  files:     %d modified, %d operation(s)\n", entry.FilesModified, entry.OperationsApplied)
	for _, f := range files {
		fmt.Printf("  %-9s  %s\n", f.Status, f.Path)
		if f.OldDigest != "" {
			fmt.Printf("             old %s\n", f.OldDigest[:12])
		}
		if f.NewDigest != "" {
			fmt.Printf("             new %s\n", f.NewDigest[:12])
		}
		if f.BackupObject != "" {
			fmt.Printf("             backup %s\n", f.BackupObject[:12])
		}
	}
	return nil
}
