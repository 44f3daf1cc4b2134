package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/compiler"
	"github.com/roach88/entityflow/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string
}

// CompilationResult holds the compiled entity configs.
type CompilationResult struct {
	Entities []*ir.EntityConfig `json:"entities"`
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	EntityCount  int
	TotalFields  int
	TotalActions int
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <config-dir>",
		Short: "Compile CUE entity configs to JSON",
		Long: `Compile CUE entity configs, validate them and print the resolved
configuration as JSON, with every action tagged by its kind.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, configDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loadResult, loadErrors := LoadEntities(configDir, LoadModeCollectAll)
	if loadResult == nil {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputCompileError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputCompileError(formatter, ErrCodeGeneric, loadErrors[0].Error())
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, configDir)
	for _, cfg := range loadResult.Entities {
		formatter.VerboseLog("Compiling entity: %s", cfg.Name)
		for _, verr := range compiler.Validate(cfg) {
			loadErrors = append(loadErrors, &LoadError{Code: verr.Code, Message: fmt.Sprintf("entity.%s: %s: %s", cfg.Name, verr.Field, verr.Message)})
		}
	}

	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	result := &CompilationResult{Entities: loadResult.Entities}
	stats := calculateStats(result)

	if opts.Output != "" {
		if err := writeConfigFile(result, opts.Output); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err))
		}
	}

	return outputCompileSuccess(formatter, result, stats, opts.Output)
}

func calculateStats(result *CompilationResult) CompilationStats {
	stats := CompilationStats{EntityCount: len(result.Entities)}
	for _, cfg := range result.Entities {
		stats.TotalFields += len(cfg.Fields)
		stats.TotalActions += len(cfg.Actions)
	}
	return stats
}

func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, stats CompilationStats, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d entity config(s)\n\n", stats.EntityCount)
	for _, cfg := range result.Entities {
		fmt.Fprintf(w, "  %s (%s): %d field(s), %d action(s)\n", cfg.Name, cfg.Endpoint, len(cfg.Fields), len(cfg.Actions))
		for _, a := range cfg.Actions {
			fmt.Fprintf(w, "    %s [%s]\n", a.ActionKey(), a.Kind())
		}
	}
	fmt.Fprintln(w)

	if outputFile != "" {
		fmt.Fprintf(w, "Wrote compiled config to %s\n", outputFile)
	}
	return nil
}

func outputCompileError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	failure := NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			code, message := parseCompileError(err)
			cliErrors[i] = CLIError{Code: code, Message: message}
		}
		if err := formatter.Report(cliErrors, &cliErrors[0]); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		code, message := parseCompileError(err)
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", code, message)
	}
	return failure
}

func parseCompileError(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	return ErrCodeGeneric, err.Error()
}

func writeConfigFile(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
