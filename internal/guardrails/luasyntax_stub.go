//go:build !cgo

package guardrails

import "context"

// Without cgo the tree-sitter grammar is unavailable; syntax errors surface
// at build time instead.
func luaSyntaxError(context.Context, []byte) (int, bool) {
	return 0, false
}
