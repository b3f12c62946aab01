// Conveyor Core — API сервер, Task Callback Service и Polling Scheduler.
//
// Core:
//   - Принимает проекты, sessions и schedules через HTTP API
//   - Выдаёт attempts агентам (lease/heartbeat/callbacks)
//   - Возвращает RETRY_WAITING attempts в READY по next_run_at
//   - Публикует task.ready в RabbitMQ, если он доступен
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/dispatch"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

var startTime = time.Now()

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-core")

	cfg, err := config.LoadCore()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// RabbitMQ опционален: без него агенты работают только через polling
	var notifier callback.ReadyNotifier
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		notifier = mq.NewPublisher(mqConn, logger)
	}

	sched := dispatch.New(dispatch.Config{
		Store:         store,
		Notifier:      notifier,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger,
	})

	svc := callback.New(callback.Config{
		Store:             store,
		Scheduler:         sched,
		Notifier:          notifier,
		MaxActiveAttempts: cfg.MaxActiveAttempts,
		Logger:            logger,
	})

	handler := api.NewHandler(api.Config{
		Service:        svc,
		Store:          store,
		MaxArchiveSize: cfg.MaxArchiveBytes,
		Logger:         logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	addr := ":" + cfg.APIPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("conveyor-core stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("conveyor-core stopped")
}

// openStore открывает хранилище ядра. Postgres проходит миграции.
func openStore(ctx context.Context, cfg *config.Core, logger *slog.Logger) (repo.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return repo.NewMemoryStore(), func() {}, nil
	}

	pool, err := repo.NewPool(ctx, cfg.DBURL, "conveyor-core")
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to database")

	if err := repo.Migrate(pool, logger); err != nil {
		pool.Close()
		return nil, nil, err
	}

	return repo.NewPGStore(pool), pool.Close, nil
}
