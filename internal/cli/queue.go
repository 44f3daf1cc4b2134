package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/store"
)

// QueueOptions holds flags for the queue command.
type QueueOptions struct {
	*RootOptions
	Entity string
	Driver string
}

// QueueResult lists the operations waiting in an outbox.
type QueueResult struct {
	Entity     string               `json:"entity"`
	Operations []ir.QueuedOperation `json:"operations"`
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue <outbox-path>",
		Short: "List operations waiting in the offline outbox",
		Long: `List the operations queued in an outbox for one entity, in the order
"entityflow replay" will send them.

Examples:
  entityflow queue ./outbox.db --entity users
  entityflow queue ./outbox.bolt --entity users --driver bolt --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueue(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity name (required)")
	_ = cmd.MarkFlagRequired("entity")
	cmd.Flags().StringVar(&opts.Driver, "driver", store.DriverSQLite, "outbox driver (sqlite|bolt)")

	return cmd
}

func runQueue(opts *QueueOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	outbox, err := store.OpenOutbox(opts.Driver, path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open outbox", err)
	}
	defer outbox.Close()

	ops, err := outbox.ListInOrder(commandContext(cmd), opts.Entity)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list outbox", err)
	}
	if ops == nil {
		ops = []ir.QueuedOperation{}
	}

	if formatter.Format == "json" {
		return formatter.Success(QueueResult{Entity: opts.Entity, Operations: ops})
	}

	w := formatter.Writer
	if len(ops) == 0 {
		fmt.Fprintf(w, "No queued operations for %s.\n", opts.Entity)
		return nil
	}
	fmt.Fprintf(w, "%d queued operation(s) for %s:\n", len(ops), opts.Entity)
	for _, op := range ops {
		label := string(op.Kind)
		if op.BulkOp != "" {
			label += "/" + string(op.BulkOp)
		}
		fmt.Fprintf(w, "  #%d %s %s", op.ClientSeq, op.OpID, label)
		if op.Action != "" {
			fmt.Fprintf(w, " (%s)", op.Action)
		}
		if len(op.TargetIDs) > 0 {
			fmt.Fprintf(w, " -> %s", strings.Join(op.TargetIDs, ", "))
		}
		fmt.Fprintln(w)
	}
	return nil
}
