package cli

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "entityflow", cmd.Use)
	assert.Contains(t, cmd.Long, "optimistic updates")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"validate", "compile", "run", "invoke", "queue", "replay", "test", "serve"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestEngineCommandFlags(t *testing.T) {
	for _, name := range []string{"run", "invoke", "replay"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := NewRootCommand().Find([]string{name})
			require.NoError(t, err)

			for flag, def := range map[string]string{
				"entity":        "",
				"base-url":      "http://localhost:8080",
				"outbox":        "",
				"outbox-driver": "sqlite",
				"ws-url":        "",
				"timeout":       "30s",
				"optimistic":    "true",
				"offline":       "false",
				"yes":           "false",
			} {
				f := sub.Flags().Lookup(flag)
				require.NotNil(t, f, "--%s", flag)
				assert.Equal(t, def, f.DefValue, "--%s", flag)
			}
		})
	}
}

func TestCommandSpecificFlags(t *testing.T) {
	root := NewRootCommand()

	compileCmd, _, err := root.Find([]string{"compile"})
	require.NoError(t, err)
	require.NotNil(t, compileCmd.Flags().Lookup("output"))
	assert.Equal(t, "o", compileCmd.Flags().Lookup("output").Shorthand)

	invokeCmd, _, err := root.Find([]string{"invoke"})
	require.NoError(t, err)
	assert.Equal(t, "{}", invokeCmd.Flags().Lookup("input").DefValue)

	runCmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	assert.NotNil(t, runCmd.Flags().Lookup("metrics-addr"))

	queueCmd, _, err := root.Find([]string{"queue"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", queueCmd.Flags().Lookup("driver").DefValue)

	testCmd, _, err := root.Find([]string{"test"})
	require.NoError(t, err)
	assert.NotNil(t, testCmd.Flags().Lookup("golden-dir"))
	assert.NotNil(t, testCmd.Flags().Lookup("update"))

	serveCmd, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.Equal(t, ":8080", serveCmd.Flags().Lookup("addr").DefValue)
}

func TestRequiredFlags(t *testing.T) {
	_, err := execute(t, "replay", configDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox")

	_, err = execute(t, "queue", "outbox.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity")
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "validate", configDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestConfigureLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	buf := &bytes.Buffer{}
	configureLogging(&RootOptions{Format: "json", Verbose: true}, buf)
	slog.Debug("hello", "entity", "users")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"entity":"users"`)

	buf.Reset()
	configureLogging(&RootOptions{Format: "text"}, buf)
	slog.Debug("hidden")
	slog.Info("shown", "op_id", "op-1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown op_id=op-1")
}
