package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/entityflow/internal/compiler"
	"github.com/roach88/entityflow/internal/engine"
	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/realtime"
	"github.com/roach88/entityflow/internal/store"
)

// EngineFlags are the flags shared by every command that drives an engine
// against a live server.
type EngineFlags struct {
	Entity       string
	BaseURL      string
	Outbox       string
	OutboxDriver string
	WSURL        string
	Timeout      time.Duration
	Optimistic   bool
	Offline      bool
	ClientID     string
	Yes          bool
}

func (f *EngineFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.Entity, "entity", "", "entity name (optional when the config defines one)")
	flags.StringVar(&f.BaseURL, "base-url", "http://localhost:8080", "base URL of the CRUD API")
	flags.StringVar(&f.Outbox, "outbox", "", "path to the offline outbox (enables offline queueing)")
	flags.StringVar(&f.OutboxDriver, "outbox-driver", store.DriverSQLite, "outbox driver (sqlite|bolt)")
	flags.StringVar(&f.WSURL, "ws-url", "", "websocket URL of the change feed")
	flags.DurationVar(&f.Timeout, "timeout", engine.DefaultCallTimeout, "timeout for each API call")
	flags.BoolVar(&f.Optimistic, "optimistic", true, "apply mutations locally before the server confirms")
	flags.BoolVar(&f.Offline, "offline", false, "start offline and queue every mutation")
	flags.StringVar(&f.ClientID, "client-id", "", "client id (defaults to a fresh UUIDv7)")
	flags.BoolVarP(&f.Yes, "yes", "y", false, "answer yes to confirm actions")
}

// session is one engine running over the HTTP gateway for a CLI command.
type session struct {
	cfg    *ir.EntityConfig
	engine *engine.Engine
	outbox store.Outbox
	cancel context.CancelFunc
	done   chan error
}

// openSession loads the entity from configDir, starts its engine and
// initializes it. Close must be called.
func openSession(ctx context.Context, configDir string, flags *EngineFlags, extra ...engine.Option) (*session, error) {
	cfg, err := loadEntityConfig(configDir, flags.Entity)
	if err != nil {
		return nil, err
	}

	gw := gateway.NewHTTP(cfg.Name, flags.BaseURL, cfg.Endpoint)
	yes := flags.Yes
	opts := []engine.Option{
		engine.WithOptimistic(flags.Optimistic),
		engine.WithCallTimeout(flags.Timeout),
		engine.WithLocker(gw),
		engine.WithConfirmer(func(_ context.Context, c engine.Confirmation) (bool, error) {
			if !yes {
				slog.Warn("confirm action declined; pass --yes to accept", "action", c.Action, "prompt", c.Prompt)
			}
			return yes, nil
		}),
	}
	if flags.ClientID != "" {
		opts = append(opts, engine.WithClientID(flags.ClientID))
	}
	if flags.WSURL != "" {
		opts = append(opts, engine.WithPushSource(realtime.NewWSFeed(flags.WSURL, cfg.Name)))
	}

	s := &session{cfg: cfg}
	if flags.Outbox != "" {
		s.outbox, err = store.OpenOutbox(flags.OutboxDriver, flags.Outbox)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open outbox", err)
		}
		opts = append(opts, engine.WithOutbox(s.outbox))
	}
	opts = append(opts, extra...)

	s.engine, err = engine.New(cfg, gw, opts...)
	if err != nil {
		s.closeOutbox()
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.engine.Run(runCtx) }()

	if err := s.engine.Init(ctx); err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load records", err)
	}
	if flags.Offline {
		if err := s.engine.SetOffline(ctx); err != nil {
			s.Close()
			return nil, WrapExitError(ExitCommandError, "cannot start offline", err)
		}
	}
	slog.Debug("session ready", "entity", cfg.Name, "client_id", s.engine.ClientID(), "online", s.engine.Online())
	return s, nil
}

// Close stops the engine, waits for its loop and closes the outbox.
func (s *session) Close() {
	s.engine.Stop()
	s.cancel()
	if err := <-s.done; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine stopped with error", "entity", s.cfg.Name, "error", err)
	}
	s.closeOutbox()
}

func (s *session) closeOutbox() {
	if s.outbox == nil {
		return
	}
	if err := s.outbox.Close(); err != nil {
		slog.Error("error closing outbox", "error", err)
	}
}

// loadEntityConfig loads configDir fail-fast and returns the validated
// entity called name.
func loadEntityConfig(configDir, name string) (*ir.EntityConfig, error) {
	result, loadErrs := LoadEntities(configDir, LoadModeFailFast)
	if len(loadErrs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load entity config", loadErrs[0])
	}
	cfg, err := result.Entity(name)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to select entity", err)
	}
	if verrs := compiler.Validate(cfg); len(verrs) > 0 {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("entity %s is invalid", cfg.Name), verrs[0])
	}
	return cfg, nil
}
