// Package provider implements per-language AST node selection. Providers
// turn current file bytes into Handles that changesets reference by
// identity, kind, and content digest. Handles are ephemeral: they are
// recomputed on every read and never persisted.
package provider

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"chisel/internal/cas"
	"chisel/internal/changeset"
	"chisel/internal/errs"
)

// Handle is a resolved reference to a selected source region.
type Handle struct {
	Identity        string         `json:"identity"`
	Kind            string         `json:"kind"`
	Name            string         `json:"name"`
	Span            changeset.Span `json:"span"`
	Text            string         `json:"text"`
	ExpectedOldHash string         `json:"expected_old_hash"`
}

// Provider selects structural nodes from source bytes.
type Provider interface {
	Language() string
	Select(src []byte) ([]Handle, error)
}

// Registry holds the closed set of provider variants, keyed by language.
type Registry struct {
	byLang   map[string]Provider
	fallback Provider
}

// NewRegistry builds the registry with every supported language.
func NewRegistry() *Registry {
	r := &Registry{byLang: map[string]Provider{}, fallback: &fallbackProvider{}}
	for _, p := range []Provider{
		newPythonProvider(),
		newJavaScriptProvider(),
		newTypeScriptProvider(),
		newTSXProvider(),
		newGoProvider(),
		newRustProvider(),
		newCSSProvider(),
		newHTMLProvider(),
		&jsonProvider{},
	} {
		r.byLang[p.Language()] = p
	}
	return r
}

// Languages returns the registered language names, fallback excluded.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.byLang))
	for lang := range r.byLang {
		out = append(out, lang)
	}
	return out
}

var extLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "tsx",
	".jsx":  "javascript",
	".go":   "go",
	".rs":   "rust",
	".css":  "css",
	".html": "html",
	".htm":  "html",
	".json": "json",
}

// ForFile picks the provider for a path by extension, falling back to
// content sniffing, then to the heuristic scanner.
func (r *Registry) ForFile(path string, src []byte) Provider {
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return r.byLang[lang]
	}
	if lang := sniff(src); lang != "" {
		return r.byLang[lang]
	}
	return r.fallback
}

// sniff guesses a language from content when the extension is unknown.
func sniff(src []byte) string {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(src, []byte{0xEF, 0xBB, 0xBF}), " \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")), bytes.HasPrefix(trimmed, []byte("[")):
		return "json"
	case bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")),
		bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")):
		return "html"
	case bytes.HasPrefix(trimmed, []byte("#!")):
		line := trimmed
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if bytes.Contains(line, []byte("python")) {
			return "python"
		}
		if bytes.Contains(line, []byte("node")) {
			return "javascript"
		}
	}
	return ""
}

// CheckSource enforces the input contract shared by all providers: source
// must be valid UTF-8 (io_error) and free of NUL bytes (parse_failure).
func CheckSource(path string, src []byte) error {
	if !utf8.Valid(src) {
		return errs.New(errs.KindIOError, "%s: not valid UTF-8", path)
	}
	if bytes.IndexByte(src, 0) >= 0 {
		return errs.New(errs.KindParseFailure, "%s: embedded NUL byte", path)
	}
	return nil
}

// identity derives the stable content-derived id of a node: the digest of
// its kind, name, and ordinal among same-named nodes of that kind. Byte
// positions deliberately do not participate, so identities survive edits
// elsewhere in the file.
func identity(kind, name string, ordinal int) string {
	return cas.HashHex([]byte(kind + "\n" + name + "\n" + strconv.Itoa(ordinal)))
}

// buildHandles assigns identities and digests to raw node selections.
type rawNode struct {
	kind string
	name string
	span changeset.Span
}

func buildHandles(src []byte, nodes []rawNode) []Handle {
	ordinals := map[string]int{}
	handles := make([]Handle, 0, len(nodes))
	for _, n := range nodes {
		key := n.kind + "\n" + n.name
		ord := ordinals[key]
		ordinals[key] = ord + 1
		text := string(src[n.span.Start:n.span.End])
		handles = append(handles, Handle{
			Identity:        identity(n.kind, n.name, ord),
			Kind:            n.kind,
			Name:            n.name,
			Span:            n.span,
			Text:            text,
			ExpectedOldHash: cas.HashHex([]byte(text)),
		})
	}
	return handles
}
