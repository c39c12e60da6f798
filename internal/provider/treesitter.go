package provider

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/css"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/html"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"chisel/internal/changeset"
	"chisel/internal/errs"
)

// tsProvider is the shared Tree-sitter provider. Each language variant is
// a node-kind table plus a name extractor over the same walk.
type tsProvider struct {
	lang     string
	language *sitter.Language
	// kinds maps grammar node types to handle kinds.
	kinds map[string]string
	// nameOf extracts the declared name of a matched node; returning ""
	// skips the node (anonymous declarations are not addressable).
	nameOf func(n *sitter.Node, src []byte) string
}

func (p *tsProvider) Language() string {
	return p.lang
}

// Select parses the source and extracts one handle per named declaration,
// in document order. A grammar-level parse error fails the whole file.
func (p *tsProvider) Select(src []byte) ([]Handle, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(p.language)

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, errs.Wrap(errs.KindParseFailure, err, "%s parse failed", p.lang)
	}
	root := tree.RootNode()
	if root.HasError() {
		return nil, errs.New(errs.KindParseFailure, "%s source contains syntax errors", p.lang)
	}

	var nodes []rawNode
	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}
		kind, ok := p.kinds[n.Type()]
		if !ok {
			continue
		}
		name := p.nameOf(n, src)
		if name == "" {
			continue
		}
		nodes = append(nodes, rawNode{
			kind: kind,
			name: name,
			span: changeset.Span{Start: int(n.StartByte()), End: int(n.EndByte())},
		})
	}
	return buildHandles(src, nodes), nil
}

// fieldName returns the node's "name" field text, the common case across
// grammars.
func fieldName(n *sitter.Node, src []byte) string {
	if named := n.ChildByFieldName("name"); named != nil {
		return named.Content(src)
	}
	return ""
}

func newPythonProvider() Provider {
	return &tsProvider{
		lang:     "python",
		language: python.GetLanguage(),
		kinds: map[string]string{
			"function_definition": "function",
			"class_definition":    "class",
		},
		nameOf: fieldName,
	}
}

func jsKinds() map[string]string {
	return map[string]string{
		"function_declaration": "function",
		"class_declaration":    "class",
		"method_definition":    "method",
		"lexical_declaration":  "variable",
		"variable_declaration": "variable",
	}
}

// jsName handles both named declarations and variable declarators.
func jsName(n *sitter.Node, src []byte) string {
	if name := fieldName(n, src); name != "" {
		return name
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == "variable_declarator" {
			return fieldName(child, src)
		}
	}
	return ""
}

func newJavaScriptProvider() Provider {
	return &tsProvider{lang: "javascript", language: javascript.GetLanguage(), kinds: jsKinds(), nameOf: jsName}
}

func newTypeScriptProvider() Provider {
	kinds := jsKinds()
	kinds["interface_declaration"] = "interface"
	kinds["type_alias_declaration"] = "type"
	kinds["enum_declaration"] = "enum"
	return &tsProvider{lang: "typescript", language: typescript.GetLanguage(), kinds: kinds, nameOf: jsName}
}

func newTSXProvider() Provider {
	kinds := jsKinds()
	kinds["interface_declaration"] = "interface"
	kinds["type_alias_declaration"] = "type"
	return &tsProvider{lang: "tsx", language: tsx.GetLanguage(), kinds: kinds, nameOf: jsName}
}

func newGoProvider() Provider {
	return &tsProvider{
		lang:     "go",
		language: golang.GetLanguage(),
		kinds: map[string]string{
			"function_declaration": "function",
			"method_declaration":   "method",
			"type_declaration":     "type",
		},
		nameOf: func(n *sitter.Node, src []byte) string {
			if name := fieldName(n, src); name != "" {
				return name
			}
			// type_declaration wraps one or more type_specs.
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.Type() == "type_spec" {
					return fieldName(child, src)
				}
			}
			return ""
		},
	}
}

func newRustProvider() Provider {
	return &tsProvider{
		lang:     "rust",
		language: rust.GetLanguage(),
		kinds: map[string]string{
			"function_item": "function",
			"struct_item":   "struct",
			"enum_item":     "enum",
			"trait_item":    "trait",
			"mod_item":      "module",
		},
		nameOf: fieldName,
	}
}

func newCSSProvider() Provider {
	return &tsProvider{
		lang:     "css",
		language: css.GetLanguage(),
		kinds: map[string]string{
			"rule_set":            "rule",
			"media_statement":     "media",
			"keyframes_statement": "keyframes",
		},
		nameOf: func(n *sitter.Node, src []byte) string {
			// The selector (or query/name) is the first named child.
			if n.NamedChildCount() > 0 {
				return n.NamedChild(0).Content(src)
			}
			return ""
		},
	}
}

func newHTMLProvider() Provider {
	return &tsProvider{
		lang:     "html",
		language: html.GetLanguage(),
		kinds:    map[string]string{"element": "element", "script_element": "script", "style_element": "style"},
		nameOf: func(n *sitter.Node, src []byte) string {
			start := n.NamedChild(0)
			if start == nil {
				return ""
			}
			for i := 0; i < int(start.NamedChildCount()); i++ {
				child := start.NamedChild(i)
				if child.Type() == "tag_name" {
					return child.Content(src)
				}
			}
			return ""
		},
	}
}
