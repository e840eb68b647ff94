package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/excelmanus/excelmanus/pkg/workspace"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	ws, err := workspace.Open(t.TempDir(), workspace.Options{})
	require.NoError(t, err)
	return &Env{
		Workspace: ws,
		Tx:        ws.CreateTransaction(workspace.ScopeExcelOnly),
		SessionID: "sess_test",
	}
}

func TestSchemaForMarksRequiredFields(t *testing.T) {
	schema := SchemaFor(&writeCellsArgs{})
	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "file")
	assert.Contains(t, props, "cells")

	required, _ := schema["required"].([]any)
	assert.Contains(t, required, "file")
}

func TestValidateArgsRejectsWrongShape(t *testing.T) {
	tool := &Tool{Name: "read_cells", Parameters: SchemaFor(&readCellsArgs{})}

	require.NoError(t, tool.ValidateArgs(map[string]any{"file": "a.xlsx"}))

	err := tool.ValidateArgs(map[string]any{"file": 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read_cells")

	// Missing required field.
	assert.Error(t, tool.ValidateArgs(map[string]any{"sheet": "S1"}))
}

func TestValidateArgsWithoutSchemaAcceptsAnything(t *testing.T) {
	tool := &Tool{Name: "list_subagents"}
	assert.NoError(t, tool.ValidateArgs(map[string]any{"whatever": true}))
}

func TestTruncateBoundsResults(t *testing.T) {
	tool := &Tool{Name: "x", MaxResultChars: 10}
	assert.Equal(t, "short", tool.Truncate("short"))

	long := strings.Repeat("a", 25)
	got := tool.Truncate(long)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 10)))
	assert.Contains(t, got, "truncated, 15 chars omitted")
}

func TestWriteHintFor(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	assert.Equal(t, "read_only", r.WriteHintFor("read_cells"))
	assert.Equal(t, "may_write", r.WriteHintFor("write_cells"))
	assert.Equal(t, "may_write", r.WriteHintFor("rollback_to_turn"))
	assert.Equal(t, "unknown", r.WriteHintFor("no_such_tool"))
}

func TestDefinitionsFilterByScope(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	all := r.Definitions(nil)
	onlyCore := r.Definitions(func(scope string) bool { return scope == "core" })
	assert.Less(t, len(onlyCore), len(all))
	for _, d := range onlyCore {
		assert.NotEqual(t, "write_cells", d.Name)
	}
}

func TestWriteCellsStagesAndReadCellsFollows(t *testing.T) {
	env := newTestEnv(t)
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	writeTool, err := r.GetTool("write_cells")
	require.NoError(t, err)

	inv := &Invocation{CallID: "c1", Turn: 1, Env: env, Args: map[string]any{
		"file":  "outputs/report.xlsx",
		"sheet": "Data",
		"cells": []any{
			map[string]any{"cell": "A1", "value": "name"},
			map[string]any{"cell": "B1", "value": 42},
		},
	}}
	result, err := writeTool.Handler(context.Background(), inv)
	require.NoError(t, err)
	assert.Contains(t, result, "staged")
	assert.Equal(t, []string{"outputs/report.xlsx"}, inv.WrittenPaths())

	// The canonical path stays untouched; the staged copy holds the content.
	staged, ok := env.Workspace.Versions.StagedPathFor("outputs/report.xlsx")
	require.True(t, ok)
	assert.NoFileExists(t, env.Workspace.Root+"/outputs/report.xlsx")

	book, err := excelize.OpenFile(staged)
	require.NoError(t, err)
	val, err := book.GetCellValue("Data", "A1")
	require.NoError(t, err)
	assert.Equal(t, "name", val)
	book.Close()

	readTool, err := r.GetTool("read_cells")
	require.NoError(t, err)
	readInv := &Invocation{CallID: "c2", Turn: 2, Env: env, Args: map[string]any{
		"file":  "outputs/report.xlsx",
		"sheet": "Data",
	}}
	out, err := readTool.Handler(context.Background(), readInv)
	require.NoError(t, err)
	assert.Contains(t, out, "name | 42")
	assert.Empty(t, readInv.WrittenPaths(), "reads report no writes")
}

func TestReadCellsRangeFilter(t *testing.T) {
	env := newTestEnv(t)
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	writeTool, _ := r.GetTool("write_cells")
	_, err := writeTool.Handler(context.Background(), &Invocation{Env: env, Args: map[string]any{
		"file": "outputs/grid.xlsx",
		"cells": []any{
			map[string]any{"cell": "A1", "value": "keep"},
			map[string]any{"cell": "A2", "value": "drop"},
		},
	}})
	require.NoError(t, err)

	readTool, _ := r.GetTool("read_cells")
	out, err := readTool.Handler(context.Background(), &Invocation{Env: env, Args: map[string]any{
		"file":  "outputs/grid.xlsx",
		"range": "A1:A1",
	}})
	require.NoError(t, err)
	assert.Contains(t, out, "keep")
	assert.NotContains(t, out, "drop")
}

func TestResolvePathRejectsEscape(t *testing.T) {
	env := newTestEnv(t)
	inv := &Invocation{Env: env}
	_, err := inv.ResolvePath("../outside.xlsx")
	assert.Error(t, err)
}
