//go:build cgo

package guardrails

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLuaSyntaxError(t *testing.T) {
	line, bad := luaSyntaxError(context.Background(), []byte(catLua))
	assert.False(t, bad, "valid Lua reported as broken at line %d", line)

	line, bad = luaSyntaxError(context.Background(), []byte("local x = 1\nlocal y = = 2\n"))
	assert.True(t, bad)
	assert.Equal(t, 2, line)
}

func TestPolicyRejectsBrokenLua(t *testing.T) {
	template, root := setupTrees(t)
	broken := strings.Replace(catLua, "end,", "", 1)
	path := edit(t, root, "source/aio/druid/cat.lua", broken)
	v := &PolicyValidator{TemplateRoot: template, Subtree: "source/aio"}

	res, err := v.ValidateChanges(context.Background(), root, []string{path})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, strings.Join(res.Errors, "\n"), "Lua syntax error")
}
