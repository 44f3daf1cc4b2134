package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitError(t *testing.T) {
	err := NewExitError(ExitFailure, "2 scenario(s) failed")
	assert.Equal(t, "2 scenario(s) failed", err.Error())
	assert.Nil(t, err.Unwrap())

	cause := errors.New("connection refused")
	wrapped := WrapExitError(ExitCommandError, "failed to load records", cause)
	assert.Equal(t, "failed to load records: connection refused", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", NewExitError(ExitCommandError, "bad"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "bad")), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, f.Success("done"))
	require.NoError(t, f.Error("E005", "config directory not found", "./missing"))
	assert.Equal(t, "done\nError [E005]: config directory not found\nDetails: ./missing\n", buf.String())
}

func TestOutputFormatter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(map[string]int{"total": 3}))
	var ok CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ok))
	assert.Equal(t, "ok", ok.Status)
	assert.Nil(t, ok.Error)

	buf.Reset()
	require.NoError(t, f.Error("E003", "no CUE files found", nil))
	var failed CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &failed))
	assert.Equal(t, "error", failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "E003", failed.Error.Code)
}

func TestOutputFormatter_Report(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Report([]string{"a"}, &CLIError{Code: "E_REPLAY", Message: "1 conflict(s)"}))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, []any{"a"}, resp.Data)
	assert.Equal(t, "E_REPLAY", resp.Error.Code)
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out := &bytes.Buffer{}
	diag := &bytes.Buffer{}

	quiet := &OutputFormatter{Writer: out, ErrWriter: diag}
	quiet.VerboseLog("hidden %d", 1)
	assert.Empty(t, diag.String())

	loud := &OutputFormatter{Writer: out, ErrWriter: diag, Verbose: true}
	loud.VerboseLog("Found %d CUE file(s)", 2)
	assert.Equal(t, "Found 2 CUE file(s)\n", diag.String())
	assert.Empty(t, out.String(), "diagnostics never go to stdout")

	fallback := &OutputFormatter{Writer: out, Verbose: true}
	assert.Equal(t, out, fallback.GetErrWriter())
}
