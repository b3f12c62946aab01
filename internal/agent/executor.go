package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

const (
	// archiveRetryDelay — через сколько повторить attempt, если архив не скачался.
	archiveRetryDelay = 30 * time.Second

	// reportTimeout — сколько ждать ответа ядра на итоговый callback.
	reportTimeout = 2 * time.Minute
)

// SecretSource выдаёт секреты, ограниченные selectors.
type SecretSource interface {
	Filter(selectors []string) operator.SecretProvider
}

// Executor запускает оператор для одного leased attempt и сообщает исход ядру.
type Executor struct {
	core     Core
	registry *operator.Registry
	secrets  SecretSource
	agentID  string
	workRoot string
	logger   *slog.Logger
}

// ExecutorConfig — конфигурация Executor.
type ExecutorConfig struct {
	Core     Core
	Registry *operator.Registry
	Secrets  SecretSource // может быть nil: операторы не увидят секретов
	AgentID  string
	WorkRoot string // где создавать workdir (default: os.TempDir())
	Logger   *slog.Logger
}

// NewExecutor создаёт Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		core:     cfg.Core,
		registry: cfg.Registry,
		secrets:  cfg.Secrets,
		agentID:  cfg.AgentID,
		workRoot: cfg.WorkRoot,
		logger:   cfg.Logger,
	}
	if e.registry == nil {
		e.registry = operator.NewRegistry()
	}
	if e.secrets == nil {
		e.secrets = operator.NewSecretStore(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Execute выполняет attempt.
//
// Если ctx отменён во время работы оператора (агент останавливается),
// результат не сообщается: lease истечёт и attempt будет выдан заново.
func (e *Executor) Execute(ctx context.Context, task domain.LeasedTask) {
	logger := telemetry.WithTaskID(telemetry.WithSiteID(e.logger, task.SiteID), task.TaskID.String()).
		With("type", task.Type, "lock_id", task.LockID)

	started := time.Now()
	result := e.run(ctx, task, logger)
	elapsed := time.Since(started)

	if ctx.Err() != nil {
		logger.Warn("agent is stopping, result is not reported", "elapsed", elapsed)
		return
	}

	telemetry.OperatorDuration.WithLabelValues(task.Type).Observe(elapsed.Seconds())
	telemetry.OperatorRuns.WithLabelValues(task.Type, outcome(result)).Inc()

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	e.report(reportCtx, task, result, logger)
}

// run готовит workdir и запускает оператор. Любая ошибка превращается в Result.
func (e *Executor) run(ctx context.Context, task domain.LeasedTask, logger *slog.Logger) operator.Result {
	factory, err := e.registry.Get(task.Type)
	if err != nil {
		return operator.Failure{Error: &domain.ErrorDoc{Message: err.Error(), Kind: domain.ErrorKindValidation}}
	}

	workDir, err := os.MkdirTemp(e.workRoot, "conveyor-task-")
	if err != nil {
		return operator.Failure{Error: domain.NewErrorDoc(domain.ErrorKindInternal, fmt.Errorf("create workdir: %w", err))}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("failed to remove workdir", "path", workDir, "error", err)
		}
	}()

	archive, err := e.core.OpenArchive(ctx, task.SiteID, task.ProjectID)
	if err != nil {
		if errors.Is(err, callback.ErrNotFound) {
			return operator.Failure{Error: domain.NewErrorDoc(domain.ErrorKindValidation, err)}
		}
		logger.Warn("failed to download project archive, retrying later", "error", err)
		return operator.RetryAfter{
			Delay: archiveRetryDelay,
			State: task.StateParams,
			Error: domain.NewErrorDoc(domain.ErrorKindInternal, err),
		}
	}
	if err := ExtractArchive(archive, workDir); err != nil {
		return operator.Failure{Error: domain.NewErrorDoc(domain.ErrorKindValidation, err)}
	}

	req := &operator.Request{
		SiteID:     task.SiteID,
		TaskID:     task.TaskID,
		SessionID:  task.SessionID,
		ProjectID:  task.ProjectID,
		Workflow:   task.Workflow,
		Type:       task.Type,
		RetryCount: task.RetryCount,
		Params:     operator.MergeParams(task.Config, task.Type),
		State:      task.StateParams,
		WorkDir:    workDir,
		Logger:     logger,
	}
	if req.Params, err = operator.RenderParams(req); err != nil {
		return operator.Failure{Error: operator.ErrorDocFromError(err)}
	}
	req.Secrets = e.secrets.Filter(factory.SecretSelectors(req.Params))

	logger.Info("task started", "retry_count", task.RetryCount)
	return invoke(ctx, factory, req)
}

// invoke создаёт и запускает оператор, превращая panic в Failure(kind=internal).
func invoke(ctx context.Context, factory operator.Factory, req *operator.Request) (result operator.Result) {
	defer func() {
		if r := recover(); r != nil {
			req.Logger.Error("operator panicked", "panic", r, "stack", string(debug.Stack()))
			result = operator.Failure{Error: &domain.ErrorDoc{
				Message: fmt.Sprintf("operator panicked: %v", r),
				Kind:    domain.ErrorKindInternal,
			}}
		}
	}()

	op, err := factory.New(req)
	if err != nil {
		return operator.Failure{Error: operator.ErrorDocFromError(err)}
	}

	res, err := op.Run(ctx)
	if err != nil {
		return operator.Failure{Error: operator.ErrorDocFromError(err)}
	}
	if res == nil {
		return operator.Failure{Error: &domain.ErrorDoc{Message: "operator returned no result", Kind: domain.ErrorKindInternal}}
	}
	return res
}

// report отправляет итоговый callback.
func (e *Executor) report(ctx context.Context, task domain.LeasedTask, result operator.Result, logger *slog.Logger) {
	var err error
	switch r := result.(type) {
	case operator.Success:
		err = e.core.Succeeded(ctx, task.SiteID, task.TaskID, task.LockID, e.agentID, domain.TaskResult{Outputs: r.Outputs})
		if err == nil {
			logger.Info("task succeeded")
		}
	case operator.RetryAfter:
		err = e.core.Retry(ctx, task.SiteID, task.TaskID, task.LockID, e.agentID, r.DelaySeconds(), r.State, r.Error)
		if err == nil {
			logger.Info("task retry requested", "delay", r.Delay)
		}
	case operator.Failure:
		if r.Error == nil {
			r.Error = &domain.ErrorDoc{Message: "operator failed", Kind: domain.ErrorKindOperator}
		}
		err = e.core.Failed(ctx, task.SiteID, task.TaskID, task.LockID, e.agentID, r.Error)
		if err == nil {
			logger.Warn("task failed", "kind", r.Error.Kind, "error", r.Error.Error())
		}
	default:
		err = fmt.Errorf("unexpected result %T", result)
	}

	switch {
	case err == nil:
	case errors.Is(err, callback.ErrLeaseConflict):
		logger.Warn("result discarded: lease is no longer owned by this agent")
	default:
		logger.Error("failed to report task result", "error", err)
	}
}

func outcome(result operator.Result) string {
	switch result.(type) {
	case operator.Success:
		return "success"
	case operator.RetryAfter:
		return "retry"
	default:
		return "failure"
	}
}
