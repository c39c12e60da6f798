package provider

import (
	"strings"

	"chisel/internal/changeset"
)

// fallbackProvider is the heuristic scanner for files no grammar covers.
// It recognizes block headers (def/function/fn/func/class keywords or a
// name followed by an opening paren or brace) and extends each block over
// the lines indented deeper than its header, or to the matching closing
// brace when the header opens one.
type fallbackProvider struct{}

func (p *fallbackProvider) Language() string {
	return "fallback"
}

var headerKeywords = []string{"def ", "function ", "fn ", "func ", "class "}

func (p *fallbackProvider) Select(src []byte) ([]Handle, error) {
	text := string(src)
	lines := splitKeepEnds(text)

	var nodes []rawNode
	offset := 0
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		name := headerName(line)
		if name == "" {
			offset += len(line)
			continue
		}

		end := blockEnd(lines, i, offset)
		nodes = append(nodes, rawNode{
			kind: "block",
			name: name,
			span: changeset.Span{Start: offset, End: end},
		})
		offset += len(line)
	}
	return buildHandles(src, nodes), nil
}

func splitKeepEnds(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

// headerName extracts the declared name if the line looks like a block
// header, else "".
func headerName(line string) string {
	trimmed := strings.TrimLeft(line, " \t")
	for _, kw := range headerKeywords {
		if strings.HasPrefix(trimmed, kw) {
			rest := trimmed[len(kw):]
			return leadingIdent(rest)
		}
	}
	// name(... or name {
	ident := leadingIdent(trimmed)
	if ident == "" {
		return ""
	}
	rest := strings.TrimLeft(trimmed[len(ident):], " ")
	if strings.HasPrefix(rest, "(") || strings.HasPrefix(rest, "{") {
		return ident
	}
	return ""
}

func leadingIdent(s string) string {
	end := 0
	for end < len(s) {
		c := s[end]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (end > 0 && c >= '0' && c <= '9') {
			end++
			continue
		}
		break
	}
	return s[:end]
}

// blockEnd computes the byte offset just past the block starting at line
// start. Brace-opened blocks run to the balancing close; otherwise the
// block spans every following line indented deeper than the header.
func blockEnd(lines []string, start, startOffset int) int {
	header := lines[start]
	end := startOffset + len(header)

	if strings.Count(header, "{") > strings.Count(header, "}") {
		depth := strings.Count(header, "{") - strings.Count(header, "}")
		for i := start + 1; i < len(lines); i++ {
			depth += strings.Count(lines[i], "{") - strings.Count(lines[i], "}")
			end += len(lines[i])
			if depth <= 0 {
				return end
			}
		}
		return end
	}

	headerIndent := indentOf(header)
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimLeft(lines[i], " \t")
		if trimmed != "" && trimmed != "\n" && indentOf(lines[i]) <= headerIndent {
			break
		}
		end += len(lines[i])
	}
	return end
}

func indentOf(line string) int {
	n := 0
	for n < len(line) && (line[n] == ' ' || line[n] == '\t') {
		n++
	}
	return n
}
