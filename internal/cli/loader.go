package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/entityflow/internal/compiler"
	"github.com/roach88/entityflow/internal/ir"
)

// LoadMode controls how errors are handled during config loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the entities loaded from a config directory.
type LoadResult struct {
	Entities  []*ir.EntityConfig
	CUEValue  cue.Value
	FileCount int
}

// Entity returns the loaded entity called name.
func (r *LoadResult) Entity(name string) (*ir.EntityConfig, error) {
	for _, cfg := range r.Entities {
		if cfg.Name == name {
			return cfg, nil
		}
	}
	if name == "" && len(r.Entities) == 1 {
		return r.Entities[0], nil
	}
	names := make([]string, len(r.Entities))
	for i, cfg := range r.Entities {
		names[i] = cfg.Name
	}
	if name == "" {
		return nil, fmt.Errorf("several entities defined (%s): choose one with --entity", strings.Join(names, ", "))
	}
	return nil, fmt.Errorf("entity %q not found (have %s)", name, strings.Join(names, ", "))
}

// LoadError represents an error that occurred during config loading.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadEntities loads every `entity: <name>: {...}` block of the CUE package
// in dir. In LoadModeFailFast the first compile error ends loading; in
// LoadModeCollectAll every entity is tried. A nil result means nothing
// could be loaded at all.
func LoadEntities(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing config directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	result := &LoadResult{CUEValue: value, FileCount: len(cueFiles)}

	entities := value.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: "no entity blocks found in config"}}
	}
	iter, err := entities.Fields()
	if err != nil {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating entities: %v", err)}}
	}

	var errs []error
	for iter.Next() {
		cfg, err := compiler.CompileEntity(iter.Value())
		if err != nil {
			errs = append(errs, convertCompileError(err, "entity."+iter.Selector().String()))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Entities = append(result.Entities, cfg)
	}

	if len(result.Entities) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no entity blocks found in config"})
	}
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Message: fmt.Sprintf("%s: %s", context, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeBadInput    = "E008" // Malformed flag or argument
)

// MapFieldToErrorCode maps a compiler error field to a validation code.
func MapFieldToErrorCode(field string) string {
	switch {
	case field == "endpoint":
		return compiler.ErrEndpointInvalid
	case field == "entity":
		return compiler.ErrDuplicateName
	case strings.HasSuffix(field, ".type"):
		return compiler.ErrInvalidFieldType
	case strings.HasSuffix(field, ".operation"):
		return compiler.ErrInvalidOperation
	case strings.HasPrefix(field, "when"), strings.Contains(field, ".when"):
		return compiler.ErrInvalidCondition
	default:
		return ErrCodeGeneric
	}
}
