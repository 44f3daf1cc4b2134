package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/harness"
)

const (
	scenariosDir = "../harness/testdata/scenarios"
	goldenDir    = "../harness/testdata/golden"
)

func TestTest_AllScenariosPass(t *testing.T) {
	out, err := execute(t, "test", scenariosDir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ bulk_partial")
	assert.Contains(t, out, "✓ offline_create_replay")
	assert.Contains(t, out, "Test Summary: 6 passed, 0 failed, 6 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTest_Filter(t *testing.T) {
	out, err := execute(t, "test", scenariosDir, "--filter", "offline_*")
	require.NoError(t, err)
	assert.Contains(t, out, "Test Summary: 2 passed, 0 failed, 2 total")
	assert.NotContains(t, out, "bulk_partial")

	_, err = execute(t, "test", scenariosDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_NoScenarios(t *testing.T) {
	out, err := execute(t, "test", scenariosDir, "--filter", "nothing_*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTest_GoldenMatch(t *testing.T) {
	out, err := execute(t, "test", scenariosDir, "--golden-dir", goldenDir, "--filter", "offline_create_replay.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTest_GoldenUpdateThenCompare(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "golden")

	_, err := execute(t, "test", scenariosDir, "--golden-dir", dir, "--update", "--filter", "bulk_partial.yaml")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "bulk_partial.golden"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "bulk_partial", doc["scenario"])

	_, err = execute(t, "test", scenariosDir, "--golden-dir", dir, "--filter", "bulk_partial.yaml")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bulk_partial.golden"), []byte("{}"), 0o644))
	out, err := execute(t, "test", scenariosDir, "--golden-dir", dir, "--filter", "bulk_partial.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ bulk_partial")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTest_GoldenMissing(t *testing.T) {
	out, err := execute(t, "test", scenariosDir, "--golden-dir", t.TempDir(), "--filter", "offline_cancel.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "offline_cancel.golden missing")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTest_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "test", scenariosDir, "--golden-dir", t.TempDir(), "--filter", "push_*")
	require.Error(t, err)

	var resp struct {
		Status string              `json:"status"`
		Data   harness.SuiteResult `json:"data"`
		Error  *CLIError           `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.False(t, resp.Data.Scenarios[0].Pass)
}

func TestTest_CommandErrors(t *testing.T) {
	_, err := execute(t, "test", scenariosDir, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--update requires --golden-dir")

	_, err = execute(t, "test", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
