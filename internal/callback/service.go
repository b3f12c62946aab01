package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	DefaultLeaseSeconds = 60
	MaxLeaseSeconds     = 3600
	MaxLeaseLimit       = 100
)

// RetryScheduler получает время, когда attempt в RETRY_WAITING пора вернуть в READY.
type RetryScheduler interface {
	Schedule(key domain.AttemptKey, notBefore time.Time)
}

// ReadyNotifier оповещает агентов о новом READY attempt.
type ReadyNotifier interface {
	NotifyReady(ctx context.Context, key domain.AttemptKey) error
}

// Store — то, что сервису нужно от хранилища.
type Store interface {
	repo.AttemptStore
	repo.ProjectStore
}

// Service — Task Callback Service.
type Service struct {
	store     Store
	scheduler RetryScheduler
	notifier  ReadyNotifier
	clock     clockwork.Clock
	maxActive int
	logger    *slog.Logger
}

// Config — конфигурация Service.
type Config struct {
	Store Store

	// Scheduler — Polling Scheduler. Может быть nil: тогда retry подхватит
	// только периодический sweep.
	Scheduler RetryScheduler

	// Notifier — публикация task.ready. Может быть nil.
	Notifier ReadyNotifier

	// Clock — источник времени (default: реальные часы).
	Clock clockwork.Clock

	// MaxActiveAttempts — лимит активных attempts на site (0 — без лимита).
	MaxActiveAttempts int

	Logger *slog.Logger
}

// New создаёт Service.
func New(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		notifier:  cfg.Notifier,
		clock:     clock,
		maxActive: cfg.MaxActiveAttempts,
		logger:    logger,
	}
}

// Lease выдаёт агенту до limit attempts.
func (s *Service) Lease(ctx context.Context, siteID int, agentID string, leaseSeconds, limit int) ([]domain.LeasedTask, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidArgument)
	}
	if limit <= 0 {
		return nil, nil
	}
	if limit > MaxLeaseLimit {
		limit = MaxLeaseLimit
	}

	attempts, err := s.store.LeaseAttempts(ctx, siteID, agentID, leaseDuration(leaseSeconds), limit, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("lease attempts: %w", err)
	}

	tasks := make([]domain.LeasedTask, 0, len(attempts))
	for i := range attempts {
		a := &attempts[i]
		if a.LastError != nil && a.LastError.Kind == domain.ErrorKindLeaseExpired {
			s.logger.Warn("re-leasing attempt with expired lease",
				"site_id", siteID,
				"task_id", a.ID,
				"agent_id", agentID,
				"reason", a.LastError.Message,
			)
		}
		tasks = append(tasks, a.Leased())
	}

	if len(tasks) > 0 {
		telemetry.LeasedTasks.WithLabelValues(strconv.Itoa(siteID)).Add(float64(len(tasks)))
		s.logger.Debug("attempts leased", "site_id", siteID, "agent_id", agentID, "count", len(tasks))
	}
	return tasks, nil
}

// Heartbeat продлевает lease для lockIDs, которые всё ещё принадлежат агенту.
// Чужие и истёкшие locks молча пропускаются.
func (s *Service) Heartbeat(ctx context.Context, siteID int, lockIDs []string, agentID string, leaseSeconds int) ([]domain.LeaseRenewal, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidArgument)
	}

	renewals, err := s.store.RenewLeases(ctx, siteID, lockIDs, agentID, leaseDuration(leaseSeconds), s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("renew leases: %w", err)
	}
	if missing := len(lockIDs) - len(renewals); missing > 0 {
		s.logger.Info("some locks were not renewed",
			"site_id", siteID,
			"agent_id", agentID,
			"requested", len(lockIDs),
			"renewed", len(renewals),
		)
	}
	return renewals, nil
}

// Succeeded завершает attempt успешно.
func (s *Service) Succeeded(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, result domain.TaskResult) error {
	now := s.clock.Now()
	_, err := s.store.UpdateLocked(ctx, siteID, taskID, lockID, agentID, now, func(a *domain.TaskAttempt) error {
		a.MarkSucceeded(result.Outputs, now)
		return nil
	})
	if err := s.observe("succeeded", siteID, taskID, agentID, err); err != nil {
		return err
	}
	s.logger.Info("task succeeded", "site_id", siteID, "task_id", taskID, "agent_id", agentID)
	return nil
}

// Failed завершает attempt ошибкой.
func (s *Service) Failed(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, errDoc *domain.ErrorDoc) error {
	if errDoc == nil {
		errDoc = &domain.ErrorDoc{Message: "task failed", Kind: domain.ErrorKindOperator}
	}

	now := s.clock.Now()
	_, err := s.store.UpdateLocked(ctx, siteID, taskID, lockID, agentID, now, func(a *domain.TaskAttempt) error {
		a.MarkFailed(errDoc, now)
		return nil
	})
	if err := s.observe("failed", siteID, taskID, agentID, err); err != nil {
		return err
	}
	s.logger.Info("task failed",
		"site_id", siteID,
		"task_id", taskID,
		"agent_id", agentID,
		"kind", errDoc.Kind,
		"error", errDoc.Error(),
	)
	return nil
}

// Retry откладывает attempt на retryIntervalSeconds и заменяет state params.
func (s *Service) Retry(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, retryIntervalSeconds int, state domain.StateParams, errDoc *domain.ErrorDoc) error {
	if retryIntervalSeconds < 0 {
		return fmt.Errorf("%w: retry interval must not be negative", ErrInvalidArgument)
	}

	now := s.clock.Now()
	updated, err := s.store.UpdateLocked(ctx, siteID, taskID, lockID, agentID, now, func(a *domain.TaskAttempt) error {
		a.MarkRetry(time.Duration(retryIntervalSeconds)*time.Second, state, errDoc, now)
		return nil
	})
	if err := s.observe("retry", siteID, taskID, agentID, err); err != nil {
		return err
	}

	if s.scheduler != nil {
		s.scheduler.Schedule(updated.Key(), updated.NextRunAt)
	}
	s.logger.Info("task retry scheduled",
		"site_id", siteID,
		"task_id", taskID,
		"agent_id", agentID,
		"interval_sec", retryIntervalSeconds,
		"retry_count", updated.RetryCount,
	)
	return nil
}

// StartSession создаёт session и её attempt.
//
// Повторный вызов с тем же (project, workflow, session time, retry attempt
// name) возвращает существующую session и created=false.
func (s *Service) StartSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, bool, error) {
	project, err := s.store.GetProject(ctx, req.SiteID, req.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: project %s", ErrNotFound, req.ProjectID)
		}
		return nil, false, fmt.Errorf("get project: %w", err)
	}

	def, ok := project.FindWorkflow(req.Workflow)
	if !ok {
		return nil, false, fmt.Errorf("%w: workflow %q in project %q", ErrNotFound, req.Workflow, project.Name)
	}

	now := s.clock.Now()
	sessionTime := req.SessionTime
	if sessionTime.IsZero() {
		sessionTime = now
	}

	sess, created, err := s.store.CreateSession(ctx, &domain.Session{
		SiteID:           req.SiteID,
		ProjectID:        req.ProjectID,
		Workflow:         req.Workflow,
		SessionTime:      sessionTime.UTC(),
		RetryAttemptName: req.RetryAttemptName,
		Params:           req.OverrideParams,
	}, def, s.maxActive, now)
	if err != nil {
		if errors.Is(err, repo.ErrResourceLimitExceeded) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	logger := telemetry.WithSessionID(telemetry.WithSiteID(s.logger, req.SiteID), sess.ID.String())
	if !created {
		logger.Info("session already exists", "workflow", req.Workflow)
		return sess, false, nil
	}

	telemetry.SessionsStarted.Inc()
	logger.Info("session started",
		"project", project.Name,
		"workflow", req.Workflow,
		"session_time", sess.SessionTime,
		"task_id", sess.TaskID,
	)

	if s.notifier != nil {
		key := domain.AttemptKey{SiteID: sess.SiteID, TaskID: sess.TaskID}
		if err := s.notifier.NotifyReady(ctx, key); err != nil {
			logger.Warn("failed to publish task ready", "error", err)
		}
	}
	return sess, true, nil
}

// OpenArchive возвращает архив проекта.
func (s *Service) OpenArchive(ctx context.Context, siteID int, projectID uuid.UUID) ([]byte, error) {
	archive, err := s.store.GetArchive(ctx, siteID, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: project %s", ErrNotFound, projectID)
		}
		return nil, fmt.Errorf("get archive: %w", err)
	}
	return archive, nil
}

// observe пишет метрику callback и логирует отклонённые вызовы.
func (s *Service) observe(callback string, siteID int, taskID uuid.UUID, agentID string, err error) error {
	switch {
	case err == nil:
		telemetry.Callbacks.WithLabelValues(callback, "ok").Inc()
		return nil
	case errors.Is(err, repo.ErrLeaseConflict):
		telemetry.Callbacks.WithLabelValues(callback, "lease_conflict").Inc()
		s.logger.Warn("callback rejected: lease is not owned by agent",
			"callback", callback,
			"site_id", siteID,
			"task_id", taskID,
			"agent_id", agentID,
		)
		return err
	case errors.Is(err, repo.ErrNotFound):
		telemetry.Callbacks.WithLabelValues(callback, "not_found").Inc()
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	default:
		telemetry.Callbacks.WithLabelValues(callback, "error").Inc()
		return fmt.Errorf("%s callback: %w", callback, err)
	}
}

func leaseDuration(seconds int) time.Duration {
	switch {
	case seconds <= 0:
		seconds = DefaultLeaseSeconds
	case seconds > MaxLeaseSeconds:
		seconds = MaxLeaseSeconds
	}
	return time.Duration(seconds) * time.Second
}
