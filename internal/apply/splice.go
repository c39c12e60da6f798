package apply

import (
	"chisel/internal/conflict"
)

// Splice applies resolved byte edits in one descending-offset pass, so no
// edit ever shifts the offsets of one still pending. Every byte outside a
// touched span is copied verbatim: BOM, line endings, and embedded NULs
// included.
func Splice(content []byte, edits []conflict.Edit) []byte {
	out := make([]byte, len(content))
	copy(out, content)

	for _, e := range conflict.Order(edits) {
		grown := make([]byte, 0, len(out)-e.Span.Len()+len(e.NewText))
		grown = append(grown, out[:e.Span.Start]...)
		grown = append(grown, e.NewText...)
		grown = append(grown, out[e.Span.End:]...)
		out = grown
	}
	return out
}
