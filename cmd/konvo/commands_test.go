package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konvo/internal/domain"
)

func TestRunRepair(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader(`{"name": "read_file", "parameters": {"path": "a.txt"}}`)

	require.NoError(t, runRepair([]string{"--tools", "read_file,write_file"}, in, &out))

	var calls []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "read_file", calls[0]["name"])
}

func TestRunRepairNoCalls(t *testing.T) {
	var out bytes.Buffer
	err := runRepair([]string{"--tools", "read_file"}, strings.NewReader("just words"), &out)
	assert.EqualError(t, err, "no tool calls found")
}

func TestRunRepairRequiresTools(t *testing.T) {
	err := runRepair(nil, strings.NewReader("{}"), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestCliToolCall(t *testing.T) {
	call, err := cliToolCall("read_file", `{"path": "a.txt", "lines": 3}`)
	require.NoError(t, err)
	assert.Equal(t, "read_file", call.ToolName)
	assert.NotEmpty(t, call.ID)
	assert.JSONEq(t, `{"path":"a.txt","lines":3}`, string(domain.ArgumentsJSON(call.Arguments)))

	again, err := cliToolCall("read_file", `{"path": "a.txt", "lines": 3}`)
	require.NoError(t, err)
	assert.Equal(t, call.ID, again.ID, "call IDs are deterministic")

	empty, err := cliToolCall("list", "")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Arguments.Len())

	_, err = cliToolCall("x", "[1,2]")
	assert.Error(t, err)
}

func TestDirectModel(t *testing.T) {
	call, err := cliToolCall("read_file", "{}")
	require.NoError(t, err)
	m := &directModel{call: call}

	first, err := m.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	require.Len(t, first.ToolCalls, 1)

	second, err := m.Chat(context.Background(), domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.RoleUser, Content: "go"},
		{Role: domain.RoleTool, ToolCallID: call.ID, Content: "file contents"},
	}})
	require.NoError(t, err)
	assert.Empty(t, second.ToolCalls)
	assert.Equal(t, "file contents", second.Text)
}

func TestPrintCatalog(t *testing.T) {
	entries := []domain.CatalogEntry{
		{Provider: "files", Tool: domain.ToolDescriptor{Name: "read_file", Description: "Read a file\nmore"}},
		{Provider: "files", Tool: domain.ToolDescriptor{Name: "write_file", RequiresApproval: true}},
	}
	var out bytes.Buffer
	require.NoError(t, printCatalog(&out, entries, false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "PROVIDER")
	assert.Regexp(t, `files\s+read_file\s+auto\s+Read a file$`, lines[1])
	assert.Regexp(t, `files\s+write_file\s+ask`, lines[2])

	out.Reset()
	require.NoError(t, printCatalog(&out, nil, false))
	assert.Equal(t, "no tools available\n", out.String())
}

func TestRunToolsWithoutProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: error\n"), 0o600))

	var out bytes.Buffer
	require.NoError(t, runTools(context.Background(), []string{"--config", path}, &out))
	assert.Equal(t, "no tools available\n", out.String())
}

func TestRunToolsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_tool_rounds: 0\n"), 0o600))

	err := runTools(context.Background(), []string{"--config", path}, &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
}
