package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/realtime"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Entity string
	Addr   string
	Seed   string
	NextID int64

	// Ready, when set, receives the bound address once listening.
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <config-dir>",
		Short: "Serve an in-memory CRUD API for an entity",
		Long: `Serve the REST contract the engine speaks from an in-memory store:
versioned records, idempotency keys, bulk writes, CSV export, edit locks
and a websocket change feed on {endpoint}/changes.

The seed file is a YAML or JSON list of records with "id" and "version".

Example:
  entityflow serve ./config --entity users --addr :8080 --seed users.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity name (optional when the config defines one)")
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.Seed, "seed", "", "YAML or JSON file of records to start with")
	cmd.Flags().Int64Var(&opts.NextID, "next-id", 0, "first id assigned to created records")

	return cmd
}

func runServe(opts *ServeOptions, configDir string, cmd *cobra.Command) error {
	ctx, cancel := signalContext(commandContext(cmd))
	defer cancel()

	cfg, err := loadEntityConfig(configDir, opts.Entity)
	if err != nil {
		return err
	}

	store := gateway.NewMemory(cfg.Name)
	if opts.Seed != "" {
		recs, err := LoadSeed(opts.Seed)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load seed", err)
		}
		store.Seed(recs...)
	}
	if opts.NextID > 0 {
		store.SetNextID(opts.NextID)
	}

	handler := gateway.NewServer(cfg.Name, cfg.Endpoint, store,
		gateway.WithLocks(collab.NewMemory()),
		gateway.WithChangeFeed(realtime.NewHandler(store)),
	)

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	slog.Info("serving entity", "entity", cfg.Name, "endpoint", cfg.Endpoint, "addr", addr, "records", len(store.Records()))
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s%s\n", cfg.Name, addr, cfg.Endpoint)
	if opts.Ready != nil {
		opts.Ready <- addr
	}

	select {
	case <-ctx.Done():
		shutdown(srv)
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitCommandError, "server failed", err)
	}
}

// LoadSeed reads a YAML (or JSON) list of records.
func LoadSeed(path string) ([]ir.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	recs := make([]ir.Record, 0, len(raw))
	for i, m := range raw {
		v, err := ir.FromNative(m)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		obj, ok := v.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("record %d: not an object", i)
		}
		rec, err := ir.RecordFromObject(obj)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
