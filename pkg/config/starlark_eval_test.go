package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHookArgs() HookArgs {
	return HookArgs{
		VPS:     map[string]interface{}{"id": int64(101), "hostname": "web1", "features": []string{"nfs"}},
		Running: true,
		DstNode: map[string]interface{}{"id": int64(2), "name": "node2"},
	}
}

func TestRunHookSteps(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second, zerolog.Nop())

	steps, err := se.RunHook(context.Background(), "pre.star", `
def hook(vps, running, dst_node):
    if not running:
        return None
    return [
        {"type": 10001, "payload": {"hostname": vps.hostname, "dst": dst_node.name, "features": vps.features}},
        {"type": 1003, "node": "src", "urgent": True},
    ]
`, testHookArgs())
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, 10001, steps[0].Type)
	assert.Equal(t, "dst", steps[0].Node)
	assert.Equal(t, "web1", steps[0].Payload["hostname"])
	assert.Equal(t, "node2", steps[0].Payload["dst"])
	assert.Equal(t, []interface{}{"nfs"}, steps[0].Payload["features"])

	assert.Equal(t, 1003, steps[1].Type)
	assert.Equal(t, "src", steps[1].Node)
	assert.True(t, steps[1].Urgent)
}

func TestRunHookNone(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second, zerolog.Nop())
	args := testHookArgs()
	args.Running = false

	steps, err := se.RunHook(context.Background(), "pre.star", `
def hook(vps, running, dst_node):
    if not running:
        return None
    return [{"type": 1}]
`, args)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestRunHookErrors(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second, zerolog.Nop())

	tests := []struct {
		name   string
		script string
		errMsg string
	}{
		{"syntax", "def hook(:\n", "pre.star"},
		{"no hook", "x = 1\n", "does not define hook()"},
		{"not a list", "def hook(vps, running, dst_node):\n    return 3\n", "must return a list"},
		{"bad step", "def hook(vps, running, dst_node):\n    return [{\"node\": \"dst\"}]\n", "step 0"},
		{"runtime error", "def hook(vps, running, dst_node):\n    return vps.missing\n", "pre.star"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := se.RunHook(context.Background(), "pre.star", tt.script, testHookArgs())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRunHookTimeout(t *testing.T) {
	se := NewStarlarkEvaluator(50*time.Millisecond, zerolog.Nop())

	start := time.Now()
	_, err := se.RunHook(context.Background(), "loop.star", `
def hook(vps, running, dst_node):
    n = 0
    for i in range(1000000000):
        n += 1
    return None
`, testHookArgs())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunHookFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "post.star")
	require.NoError(t, os.WriteFile(path, []byte("def hook(vps, running, dst_node):\n    return []\n"), 0o644))

	se := NewStarlarkEvaluator(0, zerolog.Nop())
	steps, err := se.RunHookFile(context.Background(), path, testHookArgs())
	require.NoError(t, err)
	assert.Empty(t, steps)

	_, err = se.RunHookFile(context.Background(), filepath.Join(t.TempDir(), "missing.star"), testHookArgs())
	assert.Error(t, err)
}
