//go:build cgo

package guardrails

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/lua"
)

// luaSyntaxError reports the first line of a parse error, if any.
func luaSyntaxError(ctx context.Context, source []byte) (int, bool) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lua.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return 0, false
	}
	defer tree.Close()
	root := tree.RootNode()
	if !root.HasError() {
		return 0, false
	}
	return firstErrorLine(root), true
}

func firstErrorLine(node *sitter.Node) int {
	if node.IsError() || node.IsMissing() {
		return int(node.StartPoint().Row) + 1
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child != nil && child.HasError() {
			return firstErrorLine(child)
		}
	}
	return int(node.StartPoint().Row) + 1
}
