package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCUE(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entities.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestCompileEntities_SortedByName(t *testing.T) {
	v := cuecontext.New().CompileString(`
entity: users: {endpoint: "/api/users", fields: [{key: "name", type: "text"}]}
entity: teams: {endpoint: "/api/teams", fields: [{key: "title", type: "text"}]}
`)
	cfgs, err := CompileEntities(v)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "teams", cfgs[0].Name)
	assert.Equal(t, "users", cfgs[1].Name)
}

func TestCompileEntities_NoEntityBlock(t *testing.T) {
	cfgs, err := CompileEntities(cuecontext.New().CompileString(`other: 1`))
	require.NoError(t, err)
	assert.Empty(t, cfgs)
}

func TestCompileFile(t *testing.T) {
	path := writeCUE(t, usersCUE)
	cfgs, err := CompileFile(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "users", cfgs[0].Name)
}

func TestCompileFile_ValidationErrors(t *testing.T) {
	path := writeCUE(t, `
entity: users: {
	endpoint: "/api/users"
	fields: [{key: "team", type: "relation"}, {key: "kind", type: "enum"}]
}
`)
	_, err := CompileFile(path)
	var fe *FileError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, path, fe.Path)
	var codes []string
	for _, ve := range fe.Errors {
		codes = append(codes, ve.Code)
	}
	assert.Contains(t, codes, ErrRelationNoTarget)
	assert.Contains(t, codes, ErrEnumNoOptions)
}

func TestCompileFile_Missing(t *testing.T) {
	_, err := CompileFile(filepath.Join(t.TempDir(), "nope.cue"))
	assert.Error(t, err)

	_, err = CompileFile(writeCUE(t, `x: 1`))
	assert.ErrorContains(t, err, "no entity blocks")
}
