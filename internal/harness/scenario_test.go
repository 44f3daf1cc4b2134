package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "one dispatch"
entity: users.cue
steps:
  - dispatch: rename
    ids: ["1"]
    input: {name: X}
assertions:
  - {type: record, id: "1", expect: {name: X}}
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, "users.cue", s.Entity)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, StepDispatch, s.Steps[0].Kind())
	assert.Equal(t, []string{"1"}, s.Steps[0].IDs)
	assert.Equal(t, "X", s.Steps[0].Input["name"])
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertRecord, s.Assertions[0].Type)
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: `
description: d
entity: e.cue
steps: [{reconnect: true}]
assertions: [{type: online, online: true}]`,
			want: "name is required",
		},
		{
			name: "missing entity",
			yaml: `
name: n
description: d
steps: [{reconnect: true}]
assertions: [{type: online, online: true}]`,
			want: "entity file is required",
		},
		{
			name: "no steps",
			yaml: `
name: n
description: d
entity: e.cue
steps: []
assertions: [{type: online, online: true}]`,
			want: "steps list is required",
		},
		{
			name: "two kinds in one step",
			yaml: `
name: n
description: d
entity: e.cue
steps: [{reconnect: true, offline: true}]
assertions: [{type: online, online: true}]`,
			want: "several step kinds set: offline, reconnect",
		},
		{
			name: "empty step",
			yaml: `
name: n
description: d
entity: e.cue
steps: [{expect: {status: ok}}]
assertions: [{type: online, online: true}]`,
			want: "no step kind set",
		},
		{
			name: "bad network",
			yaml: `
name: n
description: d
entity: e.cue
steps: [{network: sideways}]
assertions: [{type: online, online: true}]`,
			want: "network must be up or down",
		},
		{
			name: "cancel before naming",
			yaml: `
name: n
description: d
entity: e.cue
steps:
  - cancel: first
  - {dispatch: add, as: first}
assertions: [{type: online, online: true}]`,
			want: `cancel refers to unknown operation "first"`,
		},
		{
			name: "bad resolution",
			yaml: `
name: n
description: d
entity: e.cue
steps: [{resolve: {id: "1", how: merge}}]
assertions: [{type: online, online: true}]`,
			want: "how must be discard or force-overwrite",
		},
		{
			name: "push without id",
			yaml: `
name: n
description: d
entity: e.cue
steps: [{push: {action: update}}]
assertions: [{type: online, online: true}]`,
			want: "push: id is required",
		},
		{
			name: "seed without id",
			yaml: `
name: n
description: d
entity: e.cue
seed: [{name: Ann}]
steps: [{reconnect: true}]
assertions: [{type: online, online: true}]`,
			want: "seed[0]: id is required",
		},
		{
			name: "unknown outbox driver",
			yaml: `
name: n
description: d
entity: e.cue
features: {outbox: redis}
steps: [{reconnect: true}]
assertions: [{type: online, online: true}]`,
			want: `unknown driver "redis"`,
		},
		{
			name: "unknown assertion",
			yaml: `
name: n
description: d
entity: e.cue
steps: [{reconnect: true}]
assertions: [{type: trace_contains}]`,
			want: `unknown assertion type "trace_contains"`,
		},
		{
			name: "count missing",
			yaml: `
name: n
description: d
entity: e.cue
steps: [{reconnect: true}]
assertions: [{type: pending}]`,
			want: "count must be non-negative for pending",
		},
		{
			name: "record without expectation",
			yaml: `
name: n
description: d
entity: e.cue
steps: [{reconnect: true}]
assertions: [{type: record, id: "1"}]`,
			want: "expect or version is required for record",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_EmptyListAssertion(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: n
description: d
entity: e.cue
steps: [{select: []}]
assertions: [{type: selection, ids: []}]`))
	require.NoError(t, err)
	assert.Equal(t, StepSelect, s.Steps[0].Kind())
}

func TestLoadScenario_ResolvesEntityPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "users.cue"), []byte(`entity: users: {endpoint: "/u"}`), 0o644))
	path := filepath.Join(dir, "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "users.cue"), s.Entity)
}

func TestLoadScenario_MissingEntityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity file not found")
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
