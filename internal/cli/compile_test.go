package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/compiler"
)

type compiledEntity struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Fields   []struct {
		Key  string `json:"key"`
		Type string `json:"type"`
	} `json:"fields"`
	Actions []struct {
		Key  string `json:"key"`
		Kind string `json:"kind"`
	} `json:"actions"`
	DefaultSort struct {
		Field string `json:"field"`
	} `json:"default_sort"`
}

func TestCompile_Text(t *testing.T) {
	out, err := execute(t, "compile", configDir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compiled 1 entity config(s)")
	assert.Contains(t, out, "users (/api/users): 2 field(s), 7 action(s)")
	assert.Contains(t, out, "archive [bulk]")
	assert.Contains(t, out, "delete [confirm]")
}

func TestCompile_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "compile", configDir)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Entities []compiledEntity `json:"entities"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Entities, 1)

	users := resp.Data.Entities[0]
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, "name", users.DefaultSort.Field)
	require.Len(t, users.Fields, 2)
	assert.Equal(t, "enum", users.Fields[1].Type)
	require.Len(t, users.Actions, 7)
	assert.Equal(t, "create", users.Actions[0].Key)
	assert.Equal(t, "form", users.Actions[0].Kind)
	assert.Equal(t, "download", users.Actions[6].Kind)
}

func TestCompile_OutputToFile(t *testing.T) {
	outputFile := filepath.Join(t.TempDir(), "compiled.json")

	out, err := execute(t, "compile", configDir, "-o", outputFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote compiled config to "+outputFile)

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	var result struct {
		Entities []compiledEntity `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "/api/users", result.Entities[0].Endpoint)
}

func TestCompile_ValidationErrorsFail(t *testing.T) {
	out, err := execute(t, "compile", writeConfig(t, invalidEntity))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "compilation failed with 2 error(s)")
	assert.Contains(t, out, "✗ Compilation failed")
	assert.Contains(t, out, compiler.ErrRelationNoTarget)
}

func TestCompile_CompileErrorWithPosition(t *testing.T) {
	dir := writeConfig(t, "package test\n\nentity: users: {fields: []}\n")

	out, err := execute(t, "--format", "json", "compile", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   []CLIError `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, compiler.ErrEndpointInvalid, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "endpoint is required")
}

func TestCompile_MissingDirectory(t *testing.T) {
	out, err := execute(t, "compile", "/nonexistent/config")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestCompile_InvalidCUE(t *testing.T) {
	_, err := execute(t, "compile", writeConfig(t, "package test\n\nentity: users: {\n"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCalculateStats(t *testing.T) {
	result, errs := LoadEntities(configDir, LoadModeFailFast)
	require.Empty(t, errs)

	stats := calculateStats(&CompilationResult{Entities: result.Entities})
	assert.Equal(t, CompilationStats{EntityCount: 1, TotalFields: 2, TotalActions: 7}, stats)
}
