package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/turnstile/internal/approval"
	"github.com/user/turnstile/internal/broadcast"
	"github.com/user/turnstile/internal/config"
	ctxengine "github.com/user/turnstile/internal/context"
	"github.com/user/turnstile/internal/events"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/httpapi"
	"github.com/user/turnstile/internal/observability"
	"github.com/user/turnstile/internal/scheduler"
	"github.com/user/turnstile/internal/telegram"
	"github.com/user/turnstile/internal/tools"
	"github.com/user/turnstile/internal/transport/ws"
	"github.com/user/turnstile/internal/turn"
	"github.com/user/turnstile/internal/writer"
	"github.com/user/turnstile/pkg/llm"
	"github.com/user/turnstile/pkg/llm/anthropic"
	"github.com/user/turnstile/pkg/llm/openai"
)

const (
	pidFileName  = "turnstile.pid"
	drainTimeout = 30 * time.Second
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the turnstile daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	lc := &llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	switch cfg.LLM.Provider {
	case "anthropic":
		return anthropic.New(lc), nil
	case "openai":
		return openai.New(lc), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	obs := observability.NewMultiObserver(observability.NewSlogObserver(slog.Default()))

	// Persistence and event flow
	w := writer.New(store, writer.Options{
		Retry: &writer.RetryPolicy{
			MaxAttempts:  cfg.Writer.MaxAttempts,
			InitialDelay: cfg.Writer.InitialDelay.D(),
			Multiplier:   cfg.Writer.Multiplier,
			MaxDelay:     cfg.Writer.MaxDelay.D(),
		},
		MaxConcurrent: int64(cfg.Writer.MaxConcurrent),
	}, obs)
	hub := broadcast.New(store, obs)
	emitter := events.NewEmitter(events.NewSequencer(store), hub, w)
	gate := approval.NewGate(store, store, emitter, approval.Options{
		Timeout:  cfg.Approval.Timeout.D(),
		Observer: obs,
	})

	// Tools
	notebook := tools.NewNotebook(filepath.Join(cfg.DataDir, "memory.md"))
	registry := tools.NewRegistry(tools.Builtins(notebook, cfg.Tools.BashEnabled, cfg.DataDir)...)
	policy := tools.NewPolicy(registry, cfg.Approval.Require, cfg.Approval.Exempt)

	orch := turn.New(turn.Config{
		Provider:       provider,
		Engine:         engine,
		Emitter:        emitter,
		Gate:           gate,
		Tools:          registry,
		Policy:         policy,
		Recorder:       w,
		History:        store,
		Memory:         notebook,
		Observer:       obs,
		MaxRounds:      cfg.MaxToolRounds,
		ThinkingBudget: cfg.LLM.ThinkingBudget,
	})

	gw := gateway.New(store, int64(cfg.MaxConcurrent), cfg.LaneSize)
	gw.SetProcessor(orch.ProcessRun)

	sched := scheduler.New(
		scheduler.ApprovalSweep(cfg.Approval.SweepSchedule, gate),
		scheduler.SessionArchival(cfg.Sessions.ArchiveSchedule, cfg.Sessions.ArchiveAfter.D(), store, obs),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Expire approvals left behind by a previous process before taking traffic.
	sched.RunNow(ctx)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	gw.Start(ctx)

	slog.Info("turnstile started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"tools", registry.Names(),
		"pid_file", pidPath,
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		auth := httpapi.NewTokenAuth(cfg.Auth.TokenPrincipals())
		socket := ws.NewHandler(auth, hub, gw, gate, ws.Options{})
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           httpapi.NewServer(auth, store, store, gate, socket),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	} else {
		slog.Warn("http server disabled")
	}

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, telegram.Deps{
			Turns:     gw,
			Hub:       hub,
			Approvals: gate,
			Sessions:  store,
			Events:    store,
		})
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		g.Go(func() error {
			slog.Info("telegram adapter started")
			adapter.Start(gctx)
			return nil
		})
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	restart := false
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		select {
		case <-hup:
			slog.Info("received SIGHUP, restarting")
			restart = true
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	<-gctx.Done()
	slog.Info("shutting down")
	cancel()
	runErr := g.Wait()

	// Turns stop before the writer so their terminal events are queued.
	gw.Stop()
	sched.Stop()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := w.Close(drainCtx); err != nil {
		slog.Error("writer did not drain", "pending", w.Pending(), "error", err)
	}
	if n := w.Failed(); n > 0 {
		slog.Warn("writes lost after retries", "count", n)
	}

	if restart && runErr == nil {
		store.Close()
		return reexec(pidPath)
	}
	return runErr
}

// reexec replaces the process with a fresh copy of itself.
func reexec(pidPath string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	os.Remove(pidPath)
	return syscall.Exec(execPath, os.Args, os.Environ())
}
