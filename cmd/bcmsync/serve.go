package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/bcmsync/internal/api"
	"github.com/hyperengineering/bcmsync/internal/config"
	"github.com/hyperengineering/bcmsync/internal/metrics"
	"github.com/hyperengineering/bcmsync/internal/queue"
	"github.com/hyperengineering/bcmsync/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local API and background sync",
	Long:  "Serve the local HTTP API, drain the queue on an interval and whenever the data service comes back online.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	slog.Info("configuration loaded", "component", "main")

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.run(ctx, ln)
}

// app is the wired serve process.
type app struct {
	cfg         *config.Config
	res         *resources
	queue       *queue.Queue
	metrics     *metrics.Metrics
	coordinator *worker.SyncCoordinator
	monitor     *worker.ConnectivityMonitor
	server      *http.Server
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	client, err := newGraphClient(cfg)
	if err != nil {
		return nil, err
	}

	res, err := openResources(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	q, err := openQueue(ctx, cfg, res, queue.WithObserver(m))
	if err != nil {
		res.Close()
		return nil, err
	}
	slog.Info("queue loaded",
		"component", "main",
		"key", cfg.Queue.Key,
		"pending", q.Size(),
	)

	coord := worker.NewSyncCoordinator(q, client,
		time.Duration(cfg.Sync.Interval), time.Duration(cfg.Sync.DrainTimeout))
	mon := worker.NewConnectivityMonitor(client, coord,
		time.Duration(cfg.Sync.ProbeInterval), m.SetOnline)
	coord.SetConnectivity(mon.Online)

	handler := api.NewHandler(q, res.deadLetters, coord, mon, cfg.Auth.APIKey, Version)
	srv := &http.Server{
		Handler:      api.NewRouter(handler, m),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	return &app{
		cfg:         cfg,
		res:         res,
		queue:       q,
		metrics:     m,
		coordinator: coord,
		monitor:     mon,
		server:      srv,
	}, nil
}

// run serves on ln and runs the workers until ctx is cancelled or the
// server fails, then shuts down gracefully.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	startWorker(gctx, g, "sync-coordinator", a.coordinator.Run)
	startWorker(gctx, g, "connectivity-monitor", a.monitor.Run)

	g.Go(func() error {
		slog.Info("server starting", "component", "main", "address", ln.Addr().String())
		if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown initiated", "component", "main")

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(a.cfg.Server.ShutdownTimeout))
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "component", "main", "error", err)
		}
		return nil
	})

	err := g.Wait()
	slog.Info("shutdown complete", "component", "main", "pending", a.queue.Size())
	return err
}

// close releases storage after the server and workers have stopped.
func (a *app) close() {
	if err := a.res.Close(); err != nil {
		slog.Error("storage close error", "component", "main", "error", err)
	}
}

// startWorker runs fn in g until ctx is cancelled.
func startWorker(ctx context.Context, g *errgroup.Group, name string, fn func(ctx context.Context)) {
	g.Go(func() error {
		slog.Info("worker started", "component", "main", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "component", "main", "worker", name)
		return nil
	})
}
