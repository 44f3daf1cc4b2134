package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/engine"
	"github.com/roach88/entityflow/internal/ir"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	EngineFlags
	Input    string
	Download string
}

// ActionReport is the printable form of an engine.ActionResult.
type ActionReport struct {
	Action      string            `json:"action"`
	Kind        string            `json:"kind"`
	Status      string            `json:"status"`
	OpIDs       []string          `json:"op_ids,omitempty"`
	Records     []ir.Record       `json:"records,omitempty"`
	Items       []ItemReport      `json:"items,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
	Error       string            `json:"error,omitempty"`
	Code        string            `json:"code,omitempty"`
	Navigation  string            `json:"navigation,omitempty"`
	Modal       string            `json:"modal,omitempty"`
	Download    string            `json:"download,omitempty"`
	Data        any               `json:"data,omitempty"`
}

// ItemReport is one bulk outcome.
type ItemReport struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <config-dir> <action> [ids...]",
		Short: "Dispatch one action against the API",
		Long: `Load the entity, fetch its first page and dispatch one action.

With --outbox, a mutation that cannot reach the server is queued and
replayed later by "entityflow replay".

Exit codes:
  0 - Action succeeded, was queued or is declarative
  1 - Action failed, was cancelled or its input was invalid
  2 - Command error (bad config, unreachable server without an outbox)

Examples:
  entityflow invoke ./config create --input '{"name":"Ann"}'
  entityflow invoke ./config delete 7 --yes
  entityflow invoke ./config archive 1 2 3 --outbox ./outbox.db
  entityflow invoke ./config export --download users.csv`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(opts, args[0], args[1], args[2:], cmd)
		},
	}

	opts.EngineFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Input, "input", "{}", "action input as a JSON object")
	cmd.Flags().StringVar(&opts.Download, "download", "", "write a download action's file here")

	return cmd
}

func runInvoke(opts *InvokeOptions, configDir, action string, ids []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	var input ir.Object
	if err := json.Unmarshal([]byte(opts.Input), &input); err != nil {
		_ = formatter.Error(ErrCodeBadInput, fmt.Sprintf("invalid --input JSON: %v", err), nil)
		return WrapExitError(ExitCommandError, "invalid --input JSON", err)
	}

	ctx := commandContext(cmd)
	s, err := openSession(ctx, configDir, &opts.EngineFlags)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.engine.DispatchAction(ctx, action, ids, input)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("dispatch %s", action), err)
	}

	report := NewActionReport(res)
	if res.Download != nil && opts.Download != "" {
		if err := os.WriteFile(opts.Download, res.Download.Data, 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write download", err)
		}
		report.Download = opts.Download
	}

	failed := actionFailed(res.Status)
	if formatter.Format == "json" {
		var cliErr *CLIError
		if failed {
			cliErr = &CLIError{Code: report.Code, Message: report.Error}
		}
		if err := formatter.Report(report, cliErr); err != nil {
			return err
		}
	} else {
		writeActionReport(formatter.Writer, report)
	}

	if failed {
		return NewExitError(ExitFailure, fmt.Sprintf("action %s %s", action, res.Status))
	}
	return nil
}

// NewActionReport flattens res for printing.
func NewActionReport(res *engine.ActionResult) ActionReport {
	r := ActionReport{
		Action:      res.Action,
		Kind:        string(res.Kind),
		Status:      string(res.Status),
		OpIDs:       res.OpIDs,
		Records:     res.Records,
		FieldErrors: res.FieldErrors,
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
		r.Code = string(engine.CodeOf(res.Err))
	}
	for _, it := range res.Items {
		item := ItemReport{ID: it.ID, Status: string(it.Status)}
		if it.Err != nil {
			item.Error = it.Err.Error()
		}
		r.Items = append(r.Items, item)
	}
	if res.Navigation != nil {
		r.Navigation = res.Navigation.Path
	}
	if res.Modal != nil {
		r.Modal = res.Modal.Component
	}
	if res.Download != nil {
		r.Download = res.Download.Filename
	}
	if res.Data != nil {
		r.Data = ir.Native(res.Data)
	}
	return r
}

func actionFailed(status engine.Status) bool {
	switch status {
	case engine.StatusFailed, engine.StatusCancelled, engine.StatusInvalid, engine.StatusPartial:
		return true
	}
	return false
}

func writeActionReport(w io.Writer, r ActionReport) {
	mark := "✓"
	if actionFailed(engine.Status(r.Status)) {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s [%s]: %s\n", mark, r.Action, r.Kind, r.Status)
	for _, id := range r.OpIDs {
		fmt.Fprintf(w, "  op: %s\n", id)
	}
	for _, rec := range r.Records {
		fmt.Fprintf(w, "  record %s (version %s)\n", rec.ID, rec.Version)
	}
	for _, it := range r.Items {
		if it.Error != "" {
			fmt.Fprintf(w, "  %s: %s (%s)\n", it.ID, it.Status, it.Error)
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", it.ID, it.Status)
	}
	keys := make([]string, 0, len(r.FieldErrors))
	for k := range r.FieldErrors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, r.FieldErrors[k])
	}
	if r.Navigation != "" {
		fmt.Fprintf(w, "  navigate: %s\n", r.Navigation)
	}
	if r.Modal != "" {
		fmt.Fprintf(w, "  modal: %s\n", r.Modal)
	}
	if r.Download != "" {
		fmt.Fprintf(w, "  download: %s\n", r.Download)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
}

// commandContext returns the command's context, or Background when run
// outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
