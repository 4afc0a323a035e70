// Command workmesh-runner is the subprocess entry point used by the process
// backend. It reads a bootstrap frame from stdin, opens the shared queue
// fabric, and serves calls for one work until signaled.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/workmesh/workmesh/internal/backend/proc"
	"github.com/workmesh/workmesh/internal/config"
	"github.com/workmesh/workmesh/internal/queue"
	"github.com/workmesh/workmesh/internal/runner"
)

func main() {
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(os.Getenv("WORKMESH_LOG_LEVEL")))

	var bs proc.Bootstrap
	if err := queue.ReadFrame(os.Stdin, &bs); err != nil {
		log.Fatalf("failed to read bootstrap frame: %v", err)
	}
	if bs.FabricPath == "" || bs.WorkName == "" {
		log.Fatalf("incomplete bootstrap frame: fabric_path=%q work_name=%q", bs.FabricPath, bs.WorkName)
	}

	fab, err := queue.NewSQLiteFabric(bs.FabricPath)
	if err != nil {
		log.Fatalf("failed to open queue fabric: %v", err)
	}
	defer fab.Close()

	r, err := runner.New(bs.QueueID, bs.WorkName, queue.NewSystem(fab), runner.CommandRunnable(bs.Command), logger)
	if err != nil {
		log.Fatalf("failed to wire runner: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("runner serving", "work", bs.WorkName, "queue_id", bs.QueueID)
	if err := r.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("runner exited: %v", err)
	}
}
