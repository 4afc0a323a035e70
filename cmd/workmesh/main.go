package main

import (
	"context"
	"log"
	"os"

	"github.com/workmesh/workmesh/internal/api"
	"github.com/workmesh/workmesh/internal/app"
	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/backend/local"
	"github.com/workmesh/workmesh/internal/backend/proc"
	"github.com/workmesh/workmesh/internal/config"
	"github.com/workmesh/workmesh/internal/queue"
	"github.com/workmesh/workmesh/internal/runner"
	"github.com/workmesh/workmesh/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("workmesh: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"queue_id", cfg.QueueID,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var fab queue.Fabric
	if cfg.FabricPath != "" {
		sf, err := queue.NewSQLiteFabric(cfg.FabricPath)
		if err != nil {
			log.Fatalf("failed to open queue fabric: %v", err)
		}
		fab = sf
	} else {
		fab = queue.NewMemoryFabric()
	}
	defer fab.Close()

	runnables := runner.NewRegistry()
	localBackend := local.New(runnables, logger)

	runnerBin := cfg.RunnerBin
	if runnerBin == "" {
		runnerBin = "workmesh-runner"
	}
	procBackend := proc.New(runnerBin, cfg.FabricPath, logger)

	reg := backend.NewRegistry()
	reg.Register(backend.NameLocal, localBackend)
	reg.Register(backend.NameProcess, procBackend)
	reg.SetDefault(backend.NameLocal)

	a, err := app.New(cfg.QueueID, fab, db, reg, logger)
	if err != nil {
		log.Fatalf("failed to create app: %v", err)
	}
	a.SetBaseURL(cfg.BaseURL)

	for _, wc := range cfg.Works {
		switch wc.Backend {
		case backend.NameProcess:
			procBackend.RegisterCommand(wc.Name, wc.Command)
		default:
			runnables.Register(wc.Name, runner.CommandRunnable(wc.Command))
		}
		if _, err := a.RegisterWork(wc.Name, wc.Backend); err != nil {
			log.Fatalf("failed to register work %q: %v", wc.Name, err)
		}
		m, _ := a.Manager(wc.Name)
		if err := m.Start(); err != nil {
			logger.Error("failed to start work", "work", wc.Name, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("app stopped", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, a, db, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	cancel()
}
