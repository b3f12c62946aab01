// Conveyor Agent — выполняет attempts одного site.
//
// Agent:
//   - Берёт attempts у ядра через lease и продлевает их heartbeat'ом
//   - Скачивает архив проекта и запускает оператор по тегу типа
//   - Сообщает исход: succeeded, failed или retry с новыми State Params
//   - Просыпается по task.ready из RabbitMQ, без него опрашивает ядро
//
// Агенты масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Conveyor/internal/agent"
	"github.com/shaiso/Conveyor/internal/config"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/operator/jdbc"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()

	cfg, err := config.LoadAgent()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = telemetry.WithSiteID(telemetry.WithAgentID(logger, cfg.AgentID), cfg.SiteID)
	logger.Info("starting conveyor-agent", "core_url", cfg.CoreURL, "slots", cfg.Slots)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	secrets := operator.NewSecretStore(nil)
	if cfg.SecretsFile != "" {
		if secrets, err = operator.LoadSecretsFile(cfg.SecretsFile); err != nil {
			logger.Error("failed to load secrets", "error", err)
			os.Exit(1)
		}
		logger.Info("secrets loaded", "keys", len(secrets.Keys()))
	}

	registry := operator.NewRegistry()
	operator.RegisterBuiltins(registry)
	jdbc.Register(registry)
	logger.Info("operators registered", "types", registry.Types())

	client := agent.NewClient(agent.ClientConfig{
		BaseURL: cfg.CoreURL,
		Logger:  logger,
	})

	executor := agent.NewExecutor(agent.ExecutorConfig{
		Core:     client,
		Registry: registry,
		Secrets:  secrets,
		AgentID:  cfg.AgentID,
		WorkRoot: cfg.WorkRoot,
		Logger:   logger,
	})

	a := agent.New(agent.Config{
		Core:         client,
		Executor:     executor,
		SiteID:       cfg.SiteID,
		AgentID:      cfg.AgentID,
		Slots:        cfg.Slots,
		LeaseSeconds: cfg.LeaseSeconds,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	// RabbitMQ только ускоряет реакцию на новые attempts
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Declare: mq.AgentQueue(cfg.SiteID),
			Handler: mq.TaskReadyHandler(func(mq.TaskReadyPayload) { a.Wake() }),
		})
		g.Go(func() error {
			err := consumer.Start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("task.ready consumer stopped", "error", err)
			}
			return nil
		})
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if a.IsStopped() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.AgentPort
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("http server error", "error", err)
	}

	// Ждём завершения запущенных операторов
	a.Stop()
	logger.Info("conveyor-agent stopped")
}
