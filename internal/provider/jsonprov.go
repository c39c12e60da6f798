package provider

import (
	"encoding/json"
	"strconv"

	"chisel/internal/changeset"
	"chisel/internal/errs"
)

// jsonProvider selects the top-level members of a JSON document. There is
// no Tree-sitter JSON grammar in our binding set; a hand positional scan
// over a stdlib-validated document gives exact byte spans instead.
type jsonProvider struct{}

func (p *jsonProvider) Language() string {
	return "json"
}

// Select yields one handle per top-level object member (kind "member",
// named by key, spanning key through value) or array element (kind
// "element", named by index).
func (p *jsonProvider) Select(src []byte) ([]Handle, error) {
	if !json.Valid(src) {
		return nil, errs.New(errs.KindParseFailure, "invalid JSON document")
	}

	s := &jsonScanner{src: src}
	s.ws()
	var nodes []rawNode
	switch {
	case s.peek() == '{':
		members, err := s.object()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			nodes = append(nodes, rawNode{kind: "member", name: m.key, span: m.span})
		}
	case s.peek() == '[':
		elems, err := s.array()
		if err != nil {
			return nil, err
		}
		nodes = elems
	default:
		// A bare scalar document has no addressable members.
	}
	return buildHandles(src, nodes), nil
}

type jsonMember struct {
	key  string
	span changeset.Span
}

// jsonScanner walks already-validated JSON, tracking byte offsets.
type jsonScanner struct {
	src []byte
	pos int
}

func (s *jsonScanner) peek() byte {
	if s.pos >= len(s.src) {
		return 0
	}
	return s.src[s.pos]
}

func (s *jsonScanner) ws() {
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

func scanErr() error {
	return errs.New(errs.KindParseFailure, "invalid JSON document")
}

func (s *jsonScanner) object() ([]jsonMember, error) {
	var members []jsonMember
	s.pos++ // '{'
	s.ws()
	if s.peek() == '}' {
		s.pos++
		return members, nil
	}
	for {
		s.ws()
		keyStart := s.pos
		key, err := s.string()
		if err != nil {
			return nil, err
		}
		s.ws()
		if s.peek() != ':' {
			return nil, scanErr()
		}
		s.pos++
		s.ws()
		if err := s.value(); err != nil {
			return nil, err
		}
		members = append(members, jsonMember{
			key:  key,
			span: changeset.Span{Start: keyStart, End: s.pos},
		})
		s.ws()
		switch s.peek() {
		case ',':
			s.pos++
		case '}':
			s.pos++
			return members, nil
		default:
			return nil, scanErr()
		}
	}
}

func (s *jsonScanner) array() ([]rawNode, error) {
	var elems []rawNode
	s.pos++ // '['
	s.ws()
	if s.peek() == ']' {
		s.pos++
		return elems, nil
	}
	for i := 0; ; i++ {
		s.ws()
		start := s.pos
		if err := s.value(); err != nil {
			return nil, err
		}
		elems = append(elems, rawNode{
			kind: "element",
			name: strconv.Itoa(i),
			span: changeset.Span{Start: start, End: s.pos},
		})
		s.ws()
		switch s.peek() {
		case ',':
			s.pos++
		case ']':
			s.pos++
			return elems, nil
		default:
			return nil, scanErr()
		}
	}
}

func (s *jsonScanner) value() error {
	s.ws()
	switch c := s.peek(); {
	case c == '{':
		_, err := s.object()
		return err
	case c == '[':
		_, err := s.array()
		return err
	case c == '"':
		_, err := s.string()
		return err
	default:
		return s.scalar()
	}
}

func (s *jsonScanner) string() (string, error) {
	if s.peek() != '"' {
		return "", scanErr()
	}
	start := s.pos
	s.pos++
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case '\\':
			s.pos += 2
		case '"':
			s.pos++
			var out string
			if err := json.Unmarshal(s.src[start:s.pos], &out); err != nil {
				return "", scanErr()
			}
			return out, nil
		default:
			s.pos++
		}
	}
	return "", scanErr()
}

func (s *jsonScanner) scalar() error {
	start := s.pos
	for s.pos < len(s.src) {
		switch s.src[s.pos] {
		case ',', '}', ']', ' ', '\t', '\n', '\r':
			if s.pos == start {
				return scanErr()
			}
			return nil
		default:
			s.pos++
		}
	}
	if s.pos == start {
		return scanErr()
	}
	return nil
}
