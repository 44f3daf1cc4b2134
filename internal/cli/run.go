package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/engine"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/metrics"
	"github.com/roach88/entityflow/internal/state"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	EngineFlags
	MetricsAddr string

	// Ready, when set, receives the bound status address once the engine is
	// initialized. Tests use it to avoid sleeping.
	Ready chan<- string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config-dir>",
		Short: "Run an engine against the API until interrupted",
		Long: `Start an engine for one entity against the CRUD API, load its first
page and keep it synchronized: realtime pushes are merged and, with an
outbox, queued operations are replayed when the server comes back.

With --metrics-addr, Prometheus metrics are served on /metrics and the
current state document on /state.

Example:
  entityflow run ./config --base-url http://localhost:8080 --ws-url ws://localhost:8080/api/users/changes
  entityflow run ./config --outbox ./outbox.db --metrics-addr :9090 --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args[0], cmd)
		},
	}

	opts.EngineFlags.register(cmd)
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics and /state on this address")

	return cmd
}

func runEngine(opts *RunOptions, configDir string, cmd *cobra.Command) error {
	ctx, cancel := signalContext(commandContext(cmd))
	defer cancel()

	collector := metrics.New()
	s, err := openSession(ctx, configDir, &opts.EngineFlags, engine.WithMetrics(collector))
	if err != nil {
		return err
	}
	defer s.Close()

	unsubscribe := s.engine.Subscribe(func(snap *state.Snapshot) {
		slog.Debug("state changed", "entity", s.cfg.Name, "revision", snap.Revision(), "records", snap.Len(), "pending", len(snap.PendingOps()))
	})
	defer unsubscribe()

	statusAddr := ""
	if opts.MetricsAddr != "" {
		ln, err := net.Listen("tcp", opts.MetricsAddr)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		srv := &http.Server{Handler: statusRouter(s.engine, collector), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status server failed", "error", err)
			}
		}()
		defer shutdown(srv)
		statusAddr = ln.Addr().String()
		slog.Info("status server listening", "addr", statusAddr)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Engine started for %s (%d record(s), online=%v).\n", s.cfg.Name, s.engine.Snapshot().Len(), s.engine.Online())
	fmt.Fprintln(out, "Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready <- statusAddr
	}

	<-ctx.Done()
	slog.Info("engine stopped gracefully", "entity", s.cfg.Name)
	return nil
}

// statusRouter serves the collector and the current state document.
func statusRouter(e *engine.Engine, collector *metrics.Collector) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		doc := e.Snapshot().Document()
		doc["online"] = ir.Bool(e.Online())
		data, err := ir.MarshalCanonical(doc)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// signalContext is cancelled on SIGINT/SIGTERM or when parent ends.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("error stopping server", "error", err)
	}
}
