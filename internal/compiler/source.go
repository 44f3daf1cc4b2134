package compiler

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/entityflow/internal/ir"
)

// CompileEntities compiles every block under the top-level "entity" struct
// of v, sorted by entity name.
func CompileEntities(v cue.Value) ([]*ir.EntityConfig, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	entities := v.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return nil, nil
	}
	iter, err := entities.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []*ir.EntityConfig
	for iter.Next() {
		cfg, err := CompileEntity(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", iter.Selector(), err)
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CompileFile compiles and validates the entities of a single CUE file.
// Validation errors are returned together as a *FileError.
func CompileFile(path string) ([]*ir.EntityConfig, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entity file: %w", err)
	}
	v := cuecontext.New().CompileBytes(src, cue.Filename(path))
	cfgs, err := CompileEntities(v)
	if err != nil {
		return nil, err
	}
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%s: no entity blocks found", path)
	}
	var verrs []ValidationError
	for _, cfg := range cfgs {
		verrs = append(verrs, Validate(cfg)...)
	}
	if len(verrs) > 0 {
		return nil, &FileError{Path: path, Errors: verrs}
	}
	return cfgs, nil
}

// FileError carries every validation error found in one file.
type FileError struct {
	Path   string
	Errors []ValidationError
}

func (e *FileError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("%s: %s", e.Path, e.Errors[0])
	}
	return fmt.Sprintf("%s: %s (and %d more)", e.Path, e.Errors[0], len(e.Errors)-1)
}
