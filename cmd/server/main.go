// Copyright (C) 2026 Loom
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/crdt"
	"github.com/loomhq/loom/internal/logger"
	"github.com/loomhq/loom/internal/orchestrator/agents"
	"github.com/loomhq/loom/internal/orchestrator/checkpoint"
	"github.com/loomhq/loom/internal/orchestrator/database"
	"github.com/loomhq/loom/internal/orchestrator/engine"
	"github.com/loomhq/loom/internal/orchestrator/executor"
	"github.com/loomhq/loom/internal/orchestrator/models"
	"github.com/loomhq/loom/internal/orchestrator/procmgr"
	"github.com/loomhq/loom/internal/orchestrator/retry"
	"github.com/loomhq/loom/internal/orchestrator/wakeup"
	"github.com/loomhq/loom/internal/orchestrator/worktree"
	"github.com/loomhq/loom/internal/server"
)

// launcherRef breaks the construction cycle between the wakeup service and
// the engine: the service needs a Launcher before the engine exists, and the
// engine needs the service as its event sink.
type launcherRef struct {
	engine *engine.Engine
}

func (r *launcherRef) LaunchOrchestrator(ctx context.Context, workflow *models.Workflow, prompt string) (*models.Execution, error) {
	return r.engine.LaunchOrchestrator(ctx, workflow, prompt)
}

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting loom server")

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error opening database")
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("Error migrating database")
		fmt.Fprintf(os.Stderr, "Error migrating database: %v\n", err)
		os.Exit(1)
	}

	procs := procmgr.NewManager(cfg.Process.TerminationGracePeriod, cfg.Process.MaxProcesses)
	exec := executor.New(
		procs,
		retry.FromConfig(cfg.Workflow.Retry),
		retry.NewBreakerSet(cfg.Workflow.Retry.BreakerThreshold, cfg.Workflow.Retry.BreakerCooldown),
	)

	profiles, err := agents.LoadRegistry(cfg.Agent.ProfilesPath, cfg.Agent.DefaultProfile)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error loading agent profiles")
		fmt.Fprintf(os.Stderr, "Error loading agent profiles: %v\n", err)
		os.Exit(1)
	}

	worktrees, err := worktree.NewManager(cfg.Git)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error creating worktree manager")
		fmt.Fprintf(os.Stderr, "Error creating worktree manager: %v\n", err)
		os.Exit(1)
	}

	launcher := &launcherRef{}
	wakeupSvc := wakeup.NewService(db, launcher, exec, cfg.Workflow.BatchWindow)

	eng := engine.New(
		db,
		exec,
		worktrees,
		checkpoint.NewGormStore(db),
		wakeupSvc,
		engine.NewFileIssueStore(cfg.Tracker.IssuesPath),
		engine.NewAgentPromptBuilder(profiles),
		cfg.Workflow,
	)
	launcher.engine = eng

	// Bridge engine lifecycle events and raw agent output into the API's
	// event stream.
	projectID := filepath.Base(cfg.Git.RepositoryPath)
	bridge := server.NewEventBridge(projectID)
	exec.Sink = bridge.HandleChunk
	unsubscribe := eng.OnWorkflowEvent(bridge.HandleEngineEvent)

	coordinator, err := crdt.NewCoordinator(db, cfg.Coordinator)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error creating CRDT coordinator")
		fmt.Fprintf(os.Stderr, "Error creating CRDT coordinator: %v\n", err)
		os.Exit(1)
	}
	coordinator.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pick workflows that were running when the previous process stopped
	// back up from their checkpoints.
	if err := eng.RecoverRunning(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Error recovering running workflows")
	}

	srv := server.New(&cfg.Server, bridge.Events(), eng, coordinator.HandleSync)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	// Wait for signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the
	// server's run context.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}
	cancel()

	mainLog.Info().Msg("Shutting down engine...")
	eng.Shutdown()
	wakeupSvc.Shutdown()

	unsubscribe()
	bridge.Close()

	coordinator.Shutdown()
	procs.Shutdown()

	mainLog.Info().Msg("Loom server shut down")
}
