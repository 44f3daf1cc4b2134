package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Entities []string                   `json:"entities,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-dir>",
		Short: "Validate entity configs without compiling them",
		Long: `Validate CUE entity configs.

Checks field types, enum options, relation targets, action references,
bulk batch sizes, navigation templates and default sort fields, and
reports every problem found.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, configDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	verrs, names, err := ValidateConfigDir(configDir)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputValidateError(formatter, ErrCodeGeneric, err.Error(), nil)
	}
	for _, name := range names {
		formatter.VerboseLog("Validated entity: %s", name)
	}

	if len(verrs) > 0 {
		return outputValidationErrors(formatter, verrs)
	}
	return outputValidateSuccess(formatter, names)
}

// ValidateConfigDir loads every entity in configDir and runs the schema
// checks on each. Compile errors become validation errors so one run
// reports everything. The error is only for directories that cannot be
// loaded at all.
func ValidateConfigDir(configDir string) ([]compiler.ValidationError, []string, error) {
	result, loadErrs := LoadEntities(configDir, LoadModeCollectAll)
	if result == nil {
		return nil, nil, loadErrs[0]
	}

	var verrs []compiler.ValidationError
	for _, err := range loadErrs {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			verrs = append(verrs, compiler.ValidationError{
				Field:   "load",
				Message: loadErr.Message,
				Code:    loadErr.Code,
				Line:    lineOf(loadErr),
			})
			continue
		}
		verrs = append(verrs, compiler.ValidationError{Field: "load", Message: err.Error(), Code: ErrCodeGeneric})
	}

	names := make([]string, 0, len(result.Entities))
	for _, cfg := range result.Entities {
		names = append(names, cfg.Name)
		verrs = append(verrs, compiler.Validate(cfg)...)
	}
	return verrs, names, nil
}

func lineOf(e *LoadError) int {
	if e.Pos.IsValid() {
		return e.Pos.Line()
	}
	return 0
}

func outputValidateSuccess(formatter *OutputFormatter, names []string) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Entities: names})
	}

	fmt.Fprintf(formatter.Writer, "✓ %d entity config(s) valid\n", len(names))
	return nil
}

func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	return failure
}
