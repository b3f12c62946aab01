// Conveyor Scheduler — запускает sessions по cron-расписаниям.
//
// Несколько экземпляров могут работать одновременно: тик выполняет только
// лидер, держащий advisory lock в БД ядра.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const schedLockKey int64 = 424242

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting conveyor-scheduler")

	cfg, err := config.LoadScheduler()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL, "conveyor-scheduler")
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	store := repo.NewPGStore(pool)

	var notifier callback.ReadyNotifier
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, agents will pick sessions up by polling", "error", err)
	} else {
		defer mqConn.Close()
		notifier = mq.NewPublisher(mqConn, logger)
	}

	// RETRY_WAITING здесь не возникает: новые attempts создаются READY,
	// поэтому Polling Scheduler ядра не нужен.
	svc := callback.New(callback.Config{
		Store:             store,
		Notifier:          notifier,
		MaxActiveAttempts: cfg.MaxActiveAttempts,
		Logger:            logger,
	})

	sched := scheduler.New(scheduler.Config{
		Store:    store,
		Sessions: svc,
		Clock:    clockwork.NewRealClock(),
		Logger:   logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.SchedPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	leader := repo.NewLeader(pool, schedLockKey)
	defer leader.Release(context.Background())

	tk := time.NewTicker(cfg.TickInterval)
	defer tk.Stop()

	wasLeader := false
loop:
	for {
		select {
		case <-tk.C:
			// пытаемся стать лидером (или подтвердить лидерство)
			isLeader, err := leader.TryAcquire(ctx)
			if err != nil {
				logger.Warn("leader election failed", "error", err)
			}
			if isLeader != wasLeader {
				logger.Info("leadership changed", "leader", isLeader)
				wasLeader = isLeader
			}
			if !isLeader {
				continue
			}

			if err := sched.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scheduler tick failed", "error", err)
			}

		case <-ctx.Done():
			break loop
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("conveyor-scheduler stopped")
}
