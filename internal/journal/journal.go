// Package journal records committed transactions in a SQLite database and
// keeps zstd-compressed pre-images of every overwritten file. Multi-file
// batches are not crash-atomic at the OS level; the journal plus the
// pre-image objects are what make manual recovery possible after a crash
// mid-batch.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"chisel/internal/apply"
	"chisel/internal/cas"
)

const dbFile = "journal.sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	committed_at INTEGER NOT NULL,
	git_head TEXT,
	files_modified INTEGER NOT NULL,
	operations_applied INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transaction_files (
	txn_id TEXT NOT NULL REFERENCES transactions(id),
	path TEXT NOT NULL,
	status TEXT NOT NULL,
	old_digest TEXT,
	new_digest TEXT,
	backup_object TEXT
);
CREATE INDEX IF NOT EXISTS idx_txn_files ON transaction_files(txn_id);
`

// Journal is the SQLite-backed transaction log for one tree.
type Journal struct {
	conn       *sql.DB
	dir        string
	objectsDir string
}

// Open opens or creates the journal under dir (e.g. ".chisel").
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	conn, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	conn.Exec("PRAGMA busy_timeout=5000")
	conn.Exec("PRAGMA foreign_keys=ON")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying journal schema: %w", err)
	}
	return &Journal{conn: conn, dir: dir, objectsDir: filepath.Join(dir, "objects")}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.conn.Close()
}

// RecordPreImage stores the zstd-compressed pre-write content of a file
// and returns the object name (the content digest). Objects are written
// via temp+rename and are content-addressed, so re-recording identical
// content is a no-op.
func (j *Journal) RecordPreImage(path string, content []byte) (string, error) {
	digest := cas.HashHex(content)
	objDir := filepath.Join(j.objectsDir, digest[:2])
	objPath := filepath.Join(objDir, digest)
	if _, err := os.Stat(objPath); err == nil {
		return digest, nil
	}
	if err := os.MkdirAll(objDir, 0755); err != nil {
		return "", fmt.Errorf("creating object dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("initializing zstd: %w", err)
	}
	compressed := enc.EncodeAll(content, nil)
	enc.Close()

	tmpPath := objPath + ".tmp"
	if err := os.WriteFile(tmpPath, compressed, 0644); err != nil {
		return "", fmt.Errorf("writing object: %w", err)
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("finalizing object: %w", err)
	}
	return digest, nil
}

// ReadPreImage loads and decompresses a stored pre-image object.
func (j *Journal) ReadPreImage(object string) ([]byte, error) {
	if len(object) < 3 {
		return nil, fmt.Errorf("invalid object name %q", object)
	}
	compressed, err := os.ReadFile(filepath.Join(j.objectsDir, object[:2], object))
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", object, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing zstd: %w", err)
	}
	defer dec.Close()
	content, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing object %s: %w", object, err)
	}
	return content, nil
}

// Commit records a completed transaction with one row per touched file.
func (j *Journal) Commit(summary apply.Summary, files []apply.FileOutcome) error {
	type fileRecord struct {
		Path      string `json:"path"`
		Status    string `json:"status"`
		OldDigest string `json:"old_digest"`
		NewDigest string `json:"new_digest"`
	}
	records := make([]fileRecord, 0, len(files))
	for _, f := range files {
		records = append(records, fileRecord{
			Path: f.File, Status: f.Status,
			OldDigest: f.OldDigest(), NewDigest: f.NewDigest(),
		})
	}
	now := cas.NowMs()
	id, err := cas.ObjectID("transaction", map[string]interface{}{
		"committed_at": now,
		"files":        records,
	})
	if err != nil {
		return fmt.Errorf("computing transaction id: %w", err)
	}

	tx, err := j.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning journal transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO transactions (id, committed_at, git_head, files_modified, operations_applied) VALUES (?, ?, ?, ?, ?)",
		id, now, gitHead(), summary.FilesModified, summary.OperationsApplied,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	for _, f := range files {
		_, err = tx.Exec(
			"INSERT INTO transaction_files (txn_id, path, status, old_digest, new_digest, backup_object) VALUES (?, ?, ?, ?, ?, ?)",
			id, f.File, f.Status, f.OldDigest(), f.NewDigest(), f.Backup(),
		)
		if err != nil {
			return fmt.Errorf("inserting transaction file: %w", err)
		}
	}
	return tx.Commit()
}

// gitHead resolves the current repository HEAD when the tree is a git
// worktree, for audit context. Absence of git is not an error.
func gitHead() string {
	repo, err := git.PlainOpenWithOptions(".", &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}

// Entry is one recorded transaction.
type Entry struct {
	ID                string
	CommittedAt       int64
	GitHead           string
	FilesModified     int
	OperationsApplied int
}

// FileEntry is one file row of a recorded transaction.
type FileEntry struct {
	Path         string
	Status       string
	OldDigest    string
	NewDigest    string
	BackupObject string
}

// List returns the most recent entries, newest first.
func (j *Journal) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.conn.Query(
		"SELECT id, committed_at, git_head, files_modified, operations_applied FROM transactions ORDER BY committed_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CommittedAt, &e.GitHead, &e.FilesModified, &e.OperationsApplied); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Show returns one entry and its file rows. The id may be a unique prefix.
func (j *Journal) Show(id string) (*Entry, []FileEntry, error) {
	rows, err := j.conn.Query(
		"SELECT id, committed_at, git_head, files_modified, operations_applied FROM transactions WHERE id LIKE ? || '%'",
		id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("querying transaction: %w", err)
	}
	defer rows.Close()

	var matches []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CommittedAt, &e.GitHead, &e.FilesModified, &e.OperationsApplied); err != nil {
			return nil, nil, fmt.Errorf("scanning transaction: %w", err)
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil, fmt.Errorf("no transaction matches %q", id)
	case 1:
	default:
		return nil, nil, fmt.Errorf("%d transactions match %q", len(matches), id)
	}
	entry := matches[0]

	fileRows, err := j.conn.Query(
		"SELECT path, status, old_digest, new_digest, backup_object FROM transaction_files WHERE txn_id = ?",
		entry.ID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("querying transaction files: %w", err)
	}
	defer fileRows.Close()

	var files []FileEntry
	for fileRows.Next() {
		var f FileEntry
		if err := fileRows.Scan(&f.Path, &f.Status, &f.OldDigest, &f.NewDigest, &f.BackupObject); err != nil {
			return nil, nil, fmt.Errorf("scanning transaction file: %w", err)
		}
		files = append(files, f)
	}
	return &entry, files, fileRows.Err()
}
