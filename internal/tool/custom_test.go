package tool

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/quorumline/core/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomTool_Execute_SubstitutesArguments(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell template relies on a POSIX shell")
	}

	tmpDir := t.TempDir()
	ct := NewCustomTool("greet", "", "echo hello $ARGUMENTS", tmpDir)

	input := json.RawMessage(`{"args": "world"}`)
	result, err := ct.Execute(context.Background(), input, testContext())
	require.NoError(t, err)
	assert.Contains(t, result.Output, "hello world")
}

func TestCustomTool_Execute_RejectsShellOperators(t *testing.T) {
	tmpDir := t.TempDir()
	ct := NewCustomTool("greet", "", "echo $ARGUMENTS", tmpDir)

	input := json.RawMessage(`{"args": "world; rm -rf /"}`)
	_, err := ct.Execute(context.Background(), input, testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected argument")
}

func TestCustomTool_Execute_RejectsCommandSubstitution(t *testing.T) {
	tmpDir := t.TempDir()
	ct := NewCustomTool("greet", "", "echo $ARGUMENTS", tmpDir)

	input := json.RawMessage(`{"args": "$(whoami)"}`)
	_, err := ct.Execute(context.Background(), input, testContext())
	require.Error(t, err)
}

func TestCustomTool_Execute_EmptyArgsAllowed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell template relies on a POSIX shell")
	}

	tmpDir := t.TempDir()
	ct := NewCustomTool("status", "", "echo ok", tmpDir)

	result, err := ct.Execute(context.Background(), json.RawMessage(`{}`), testContext())
	require.NoError(t, err)
	assert.Contains(t, result.Output, "ok")
}

func TestCustomToolsFromConfig_SkipsEntriesWithoutTemplate(t *testing.T) {
	cfg := map[string]types.CommandConfig{
		"prompt-only": {Description: "no template, prompt-template only"},
		"greet":       {Template: "echo $ARGUMENTS"},
	}

	tools := customToolsFromConfig("/tmp", cfg)
	require.Len(t, tools, 1)
	assert.Equal(t, "greet", tools[0].ID())
}

func TestRegistry_RegisterCustomCommands_ShadowsBuiltinByPriority(t *testing.T) {
	registry := NewRegistry("/tmp", nil)
	registry.Register(newMockTool("greet", "builtin greet"))

	registry.RegisterCustomCommands(map[string]types.CommandConfig{
		"greet": {Template: "echo $ARGUMENTS", Description: "custom greet"},
	})

	got, ok := registry.Get("greet")
	require.True(t, ok)
	assert.Equal(t, "custom greet", got.Description())

	// A later Builtin registration of the same name must not clobber the
	// higher-priority Custom tool.
	registry.Register(newMockTool("greet", "builtin greet again"))
	got, ok = registry.Get("greet")
	require.True(t, ok)
	assert.Equal(t, "custom greet", got.Description())
}

func TestValidateShellWord(t *testing.T) {
	cases := map[string]bool{
		"":                  true,
		"world":             true,
		"hello world":       true,
		"'quoted text'":     true,
		"world; rm -rf /":   false,
		"a && b":            false,
		"a | b":             false,
		"$(whoami)":         false,
		"`whoami`":          false,
		"echo > /etc/passwd": false,
	}
	for args, wantOK := range cases {
		err := validateShellWord(args)
		if wantOK {
			assert.NoError(t, err, "args=%q", args)
		} else {
			assert.Error(t, err, "args=%q", args)
		}
	}
}

func TestValidateShellWord_RejectsMultipleStatements(t *testing.T) {
	err := validateShellWord(strings.Join([]string{"a", "\n", "b"}, ""))
	assert.Error(t, err)
}
