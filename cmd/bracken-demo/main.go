// Command bracken-demo forks a small pool of HTTP workers that all
// share the same listening socket, handed out by the master through
// the cluster package. Run it with no arguments; it forks itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	cluster "github.com/brackenhq/bracken"
	"github.com/brackenhq/bracken/internal/logging"
)

func main() {
	workers := flag.Int("workers", 4, "number of workers to fork")
	addr := flag.String("addr", ":8080", "address the worker pool listens on")
	flag.Parse()

	if cluster.IsMaster {
		runMaster(*workers, *addr)
		return
	}
	runWorker(*addr)
}

func runMaster(n int, addr string) {
	logger, err := logging.New(logging.Config{Level: "info", Console: true}, "master")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sup := cluster.NewSupervisor()
	sup.SetupMaster(cluster.Options{
		Args: []string{"-addr", addr},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i := 0; i < n; i++ {
		w, err := sup.Fork(ctx, nil)
		if err != nil {
			logger.Error("fork failed", zap.Error(err))
			continue
		}
		go watchWorker(logger, w)
	}

	<-ctx.Done()
	logger.Info("shutting down, disconnecting workers")

	disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Disconnect(disconnectCtx); err != nil {
		logger.Warn("disconnect did not complete cleanly", zap.Error(err))
	}
}

func watchWorker(logger *zap.Logger, w *cluster.Worker) {
	for evt := range w.Events() {
		switch evt.Kind {
		case cluster.EventOnline:
			logger.Info("worker online", zap.Int("worker_id", w.ID), zap.String("run_id", w.RunID))
		case cluster.EventListening:
			logger.Info("worker listening", zap.Int("worker_id", w.ID), zap.String("run_id", w.RunID), zap.String("address", evt.Address))
		case cluster.EventExit:
			logger.Info("worker exited",
				zap.Int("worker_id", w.ID),
				zap.String("run_id", w.RunID),
				zap.Bool("suicide", evt.Suicide),
				zap.Int("exit_code", evt.ExitCode),
			)
			return
		case cluster.EventError:
			logger.Error("worker error", zap.Int("worker_id", w.ID), zap.Error(evt.Err))
		}
	}
}

func runWorker(addr string) {
	self := cluster.Self()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := self.Listen(ctx, "tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: listen: %v\n", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "served by pid %d\n", os.Getpid())
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "worker: serve: %v\n", err)
		}
	}()

	for evt := range self.Events() {
		if evt.Kind == cluster.EventDisconnect {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			srv.Shutdown(shutdownCtx)
			cancel()
			self.Disconnect()
			return
		}
	}
}
