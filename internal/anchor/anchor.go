// Package anchor implements the hashline line-anchor protocol: anchors of
// the form "<line>:<hash>" that pin a 1-indexed line by its content
// digest, with an optional single-shot repair that remaps a stale anchor
// to the unique line still carrying its digest.
package anchor

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"chisel/internal/cas"
	"chisel/internal/errs"
)

// Anchor pins a 1-indexed line by its content digest.
type Anchor struct {
	Line int
	Hash string
}

func (a Anchor) String() string {
	return strconv.Itoa(a.Line) + ":" + a.Hash
}

// Parse parses "<line>:<hash>". The hash must be exactly cas.LineHashLen
// lowercase hex characters.
func Parse(s string) (Anchor, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return Anchor{}, errs.New(errs.KindInvalidRequest, "invalid anchor %q: expected \"<line>:<hash>\"", s)
	}
	line, err := strconv.Atoi(s[:idx])
	if err != nil || line < 1 {
		return Anchor{}, errs.New(errs.KindInvalidRequest, "invalid anchor %q: line must be a positive integer", s)
	}
	hash := s[idx+1:]
	if len(hash) != cas.LineHashLen || !isLowerHex(hash) {
		return Anchor{}, errs.New(errs.KindInvalidRequest,
			"invalid anchor %q: hash must be %d lowercase hex characters", s, cas.LineHashLen)
	}
	return Anchor{Line: line, Hash: hash}, nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Line is one file line split from content: the line body and its
// terminator ("\n", "\r\n", "\r", or empty at an unterminated EOF).
type Line struct {
	Content []byte
	Term    []byte
}

// SplitLines splits content into lines, preserving each line's own
// terminator so mixed line-ending files round-trip byte for byte.
func SplitLines(content []byte) []Line {
	var lines []Line
	start := 0
	for i := 0; i < len(content); i++ {
		switch content[i] {
		case '\n':
			lines = append(lines, Line{Content: content[start:i], Term: content[i : i+1]})
			start = i + 1
		case '\r':
			if i+1 < len(content) && content[i+1] == '\n' {
				lines = append(lines, Line{Content: content[start:i], Term: content[i : i+2]})
				i++
			} else {
				lines = append(lines, Line{Content: content[start:i], Term: content[i : i+1]})
			}
			start = i + 1
		}
	}
	if start < len(content) {
		lines = append(lines, Line{Content: content[start:], Term: nil})
	}
	return lines
}

// JoinLines reassembles lines into file content.
func JoinLines(lines []Line) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l.Content)
		buf.Write(l.Term)
	}
	return buf.Bytes()
}

// DominantTerm returns the most common terminator in lines, defaulting to
// "\n" for empty or single-line files.
func DominantTerm(lines []Line) []byte {
	counts := map[string]int{}
	for _, l := range lines {
		if len(l.Term) > 0 {
			counts[string(l.Term)]++
		}
	}
	best, n := "\n", 0
	for term, c := range counts {
		if c > n {
			best, n = term, c
		}
	}
	return []byte(best)
}

// Resolution is the outcome of resolving one anchor.
type Resolution struct {
	Index    int // 0-based line index
	Repaired bool
}

// Resolve resolves an anchor against the current lines. In strict mode the
// line at the anchor's index must hash to the anchor's digest. With repair
// enabled, a stale anchor is remapped to the unique line whose digest
// matches; zero candidates fail as target_missing, more than one as
// ambiguous_target. Repair never cascades: it runs at most once per anchor
// and never against its own remapped result.
func Resolve(a Anchor, lines []Line, repair bool) (Resolution, error) {
	idx := a.Line - 1
	if idx < len(lines) && cas.LineHash(lines[idx].Content) == a.Hash {
		return Resolution{Index: idx}, nil
	}

	if !repair {
		if idx >= len(lines) {
			return Resolution{}, errs.New(errs.KindTargetMissing,
				"anchor %q: line %d beyond end of file (%d lines)", a, a.Line, len(lines))
		}
		return Resolution{}, errs.New(errs.KindPreconditionFailed,
			"anchor %q is stale: line %d is now %s (hash %q)",
			a, a.Line, describeLine(lines[idx]), cas.LineHash(lines[idx].Content))
	}

	var candidates []int
	for i, l := range lines {
		if cas.LineHash(l.Content) == a.Hash {
			candidates = append(candidates, i)
		}
	}
	switch len(candidates) {
	case 0:
		return Resolution{}, errs.New(errs.KindTargetMissing, "anchor %q: no remap candidate", a)
	case 1:
		return Resolution{Index: candidates[0], Repaired: true}, nil
	}
	human := make([]string, len(candidates))
	for i, c := range candidates {
		human[i] = strconv.Itoa(c + 1)
	}
	return Resolution{}, errs.New(errs.KindAmbiguousTarget,
		"anchor %q is ambiguous: lines %s all match", a, strings.Join(human, ", "))
}

// AnchorFor builds the current anchor for a 0-based line index, used when
// emitting repaired anchors back to the caller.
func AnchorFor(lines []Line, idx int) Anchor {
	return Anchor{Line: idx + 1, Hash: cas.LineHash(lines[idx].Content)}
}

// describeLine renders a short prefix of a line for diagnostics.
func describeLine(l Line) string {
	const max = 40
	s := string(l.Content)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return fmt.Sprintf("%q", s)
}
