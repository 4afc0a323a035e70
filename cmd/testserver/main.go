// testserver starts a workmesh API server on an in-memory fabric with demo
// runnables for E2E testing. Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/workmesh/workmesh/internal/api"
	"github.com/workmesh/workmesh/internal/app"
	"github.com/workmesh/workmesh/internal/backend"
	"github.com/workmesh/workmesh/internal/backend/local"
	"github.com/workmesh/workmesh/internal/model"
	"github.com/workmesh/workmesh/internal/queue"
	"github.com/workmesh/workmesh/internal/runner"
	"github.com/workmesh/workmesh/internal/store"
)

// echoRunnable answers every call with its own arguments and emits a
// progress delta, exercising the full call and state paths.
func echoRunnable(delay time.Duration) runner.RunFunc {
	return func(ctx context.Context, call *runner.Call) (model.Result, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		call.Log("handling call")
		if err := call.Emit([]string{"last_seq"}, call.Seq); err != nil {
			return nil, err
		}
		return model.Result{"echo": call.Args}, nil
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("WORKMESH_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	fab := queue.NewMemoryFabric()
	defer fab.Close()

	runnables := runner.NewRegistry()
	runnables.Register("echo-fast", echoRunnable(50*time.Millisecond))
	runnables.Register("echo-slow", echoRunnable(500*time.Millisecond))

	reg := backend.NewRegistry()
	reg.Register(backend.NameLocal, local.New(runnables, logger))

	a, err := app.New("testserver", fab, db, reg, logger)
	if err != nil {
		log.Fatalf("failed to create app: %v", err)
	}
	for _, name := range []string{"echo-fast", "echo-slow"} {
		if _, err := a.RegisterWork(name, backend.NameLocal); err != nil {
			log.Fatalf("failed to register work %q: %v", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("app stopped", "error", err)
		}
	}()

	srv := api.NewServer(addr, a, db, logger)
	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
