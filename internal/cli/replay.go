package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/engine"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	EngineFlags
}

// ReplayResult is the printable form of an engine.ReplayReport.
type ReplayResult struct {
	Entity    string   `json:"entity"`
	Replayed  []string `json:"replayed"`
	Conflicts []string `json:"conflicts"`
	Failed    []string `json:"failed"`
	Remaining int      `json:"remaining"`
	Online    bool     `json:"online"`
}

// Clean reports whether every queued operation reached the server.
func (r ReplayResult) Clean() bool {
	return len(r.Conflicts) == 0 && len(r.Failed) == 0 && r.Remaining == 0
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <config-dir>",
		Short: "Replay the offline outbox against the API",
		Long: `Restore the operations queued in the outbox and replay them against the
server strictly in client sequence order. Operations the server rejects
as stale are reported as conflicts, never dropped silently.

Exit codes:
  0 - The outbox drained and the engine is back online
  1 - Conflicts, failures or operations still queued
  2 - Command error (bad config, outbox cannot be opened)

Examples:
  entityflow replay ./config --outbox ./outbox.db
  entityflow replay ./config --outbox ./outbox.bolt --outbox-driver bolt --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	opts.EngineFlags.register(cmd)
	_ = cmd.MarkFlagRequired("outbox")

	return cmd
}

func runReplay(opts *ReplayOptions, configDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	flags := opts.EngineFlags
	flags.Offline = false
	s, err := openSession(ctx, configDir, &flags)
	if err != nil {
		return err
	}
	defer s.Close()

	pending := len(s.engine.Snapshot().PendingOps())
	formatter.VerboseLog("Restored %d queued operation(s) for %s", pending, s.cfg.Name)

	report, err := s.engine.Reconnect(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}
	result := newReplayResult(s.cfg.Name, report)

	if formatter.Format == "json" {
		var cliErr *CLIError
		if !result.Clean() {
			cliErr = &CLIError{Code: "E_REPLAY", Message: replaySummary(result)}
		}
		if err := formatter.Report(result, cliErr); err != nil {
			return err
		}
	} else {
		writeReplayText(formatter.Writer, result, opts.Verbose)
	}

	if !result.Clean() {
		return NewExitError(ExitFailure, replaySummary(result))
	}
	return nil
}

func newReplayResult(entity string, r *engine.ReplayReport) ReplayResult {
	nonNil := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	return ReplayResult{
		Entity:    entity,
		Replayed:  nonNil(r.Replayed),
		Conflicts: nonNil(r.Conflicts),
		Failed:    nonNil(r.Failed),
		Remaining: r.Remaining,
		Online:    r.Online,
	}
}

func replaySummary(r ReplayResult) string {
	return fmt.Sprintf("%d replayed, %d conflict(s), %d failed, %d still queued",
		len(r.Replayed), len(r.Conflicts), len(r.Failed), r.Remaining)
}

func writeReplayText(w io.Writer, r ReplayResult, verbose bool) {
	fmt.Fprintf(w, "Replay Summary (%s): %s\n", r.Entity, replaySummary(r))
	if verbose {
		for _, id := range r.Replayed {
			fmt.Fprintf(w, "  ✓ %s\n", id)
		}
	}
	for _, id := range r.Conflicts {
		fmt.Fprintf(w, "  ✗ %s: conflict, record needs review\n", id)
	}
	for _, id := range r.Failed {
		fmt.Fprintf(w, "  ✗ %s: rolled back\n", id)
	}
	fmt.Fprintln(w)

	switch {
	case r.Clean() && r.Online:
		fmt.Fprintln(w, "✓ Outbox drained, back online")
	case r.Remaining > 0:
		fmt.Fprintln(w, "✗ Server unreachable, operations remain queued")
	default:
		fmt.Fprintln(w, "✗ Replay finished with unresolved operations")
	}
}
