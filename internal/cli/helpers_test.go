package cli

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
)

const configDir = "testdata/config"

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// startAPI serves an in-memory users API seeded with recs.
func startAPI(t *testing.T, recs ...ir.Record) (*gateway.Memory, string) {
	t.Helper()
	mem := gateway.NewMemory("users")
	mem.Seed(recs...)
	srv := httptest.NewServer(gateway.NewServer("users", "/api/users", mem, gateway.WithLocks(collab.NewMemory())))
	t.Cleanup(srv.Close)
	return mem, srv.URL
}

// deadURL returns the address of a server that is no longer listening.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	return url
}

func user(id, name, status string) ir.Record {
	return ir.Record{ID: id, Version: "1", Fields: ir.Object{"name": ir.String(name), "status": ir.String(status)}}
}

// writeConfig writes a one-file CUE package into a fresh directory.
func writeConfig(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entities.cue"), []byte(src), 0o644))
	return dir
}
