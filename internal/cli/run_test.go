package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRunEngine_StatusServer(t *testing.T) {
	_, url := startAPI(t, user("1", "Ann", "active"), user("2", "Bob", "archived"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(ctx)

	ready := make(chan string, 1)
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		EngineFlags: EngineFlags{BaseURL: url, Timeout: 5 * time.Second, Optimistic: true},
		MetricsAddr: "127.0.0.1:0",
		Ready:       ready,
	}
	done := make(chan error, 1)
	go func() { done <- runEngine(opts, configDir, cmd) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("engine exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not start")
	}
	require.NotEmpty(t, addr)

	code, body := get(t, "http://"+addr+"/state")
	assert.Equal(t, http.StatusOK, code)
	var doc struct {
		Online  bool `json:"online"`
		Total   int  `json:"total"`
		Records []struct {
			ID    string `json:"id"`
			State string `json:"_state"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.True(t, doc.Online)
	assert.Equal(t, 2, doc.Total)
	require.Len(t, doc.Records, 2)
	assert.Equal(t, "1", doc.Records[0].ID)

	code, body = get(t, "http://"+addr+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "entityflow_gateway_call_duration_seconds")

	code, _ = get(t, "http://"+addr+"/health")
	assert.Equal(t, http.StatusOK, code)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Contains(t, out.String(), "Engine started for users (2 record(s), online=true).")
}

func TestRunEngine_NoMetrics(t *testing.T) {
	_, url := startAPI(t)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := &cobra.Command{}
	cmd.SetOut(io.Discard)
	cmd.SetContext(ctx)

	ready := make(chan string, 1)
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: "text"},
		EngineFlags: EngineFlags{BaseURL: url, Timeout: 5 * time.Second},
		Ready:       ready,
	}
	done := make(chan error, 1)
	go func() { done <- runEngine(opts, configDir, cmd) }()

	select {
	case addr := <-ready:
		assert.Empty(t, addr)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not start")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRun_UnreachableServer(t *testing.T) {
	_, err := execute(t, "run", configDir, "--base-url", deadURL(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load records")
}
