package cli

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
)

const seedYAML = `- id: 7
  version: "3"
  name: Ann
  status: active
- id: "8"
  version: "1"
  name: Bob
  status: archived
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := &cobra.Command{}
	cmd.SetOut(io.Discard)
	cmd.SetContext(ctx)

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Addr:        "127.0.0.1:0",
		Seed:        writeFile(t, "users.yaml", seedYAML),
		NextID:      100,
		Ready:       ready,
	}
	done := make(chan error, 1)
	go func() { done <- runServe(opts, configDir, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}

	gw := gateway.NewHTTP("users", "http://"+addr, "/api/users")
	rec, err := gw.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "3", rec.Version)
	assert.Equal(t, ir.String("Ann"), rec.Fields["name"])

	created, err := gw.Create(ctx, gateway.CreateRequest{Payload: ir.Object{"name": ir.String("Cy")}, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, "100", created.ID)

	code, _ := get(t, "http://"+addr+"/health")
	assert.Equal(t, http.StatusOK, code)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServe_Errors(t *testing.T) {
	_, err := execute(t, "serve", configDir, "--entity", "teams")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "serve", configDir, "--addr", "127.0.0.1:0", "--seed", "/nonexistent/seed.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load seed")
}

func TestLoadSeed(t *testing.T) {
	recs, err := LoadSeed(writeFile(t, "users.yaml", seedYAML))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "7", recs[0].ID)
	assert.Equal(t, "3", recs[0].Version)
	assert.Equal(t, ir.String("archived"), recs[1].Fields["status"])
	_, hasID := recs[0].Fields[ir.KeyID]
	assert.False(t, hasID)

	recs, err = LoadSeed(writeFile(t, "users.json", `[{"id": "1", "version": "1", "name": "Ann"}]`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ir.String("Ann"), recs[0].Fields["name"])
}

func TestLoadSeed_Errors(t *testing.T) {
	tests := map[string]string{
		"not a list":  "name: Ann\n",
		"bad id type": "- id: [1, 2]\n  name: Ann\n",
		"bad yaml":    "- id: 1\n  name: [unclosed\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadSeed(writeFile(t, "seed.yaml", content))
			assert.Error(t, err)
		})
	}

	_, err := LoadSeed("/nonexistent/seed.yaml")
	assert.Error(t, err)
}
