package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// SessionStarter стартует session. Реализуется *callback.Service.
type SessionStarter interface {
	StartSession(ctx context.Context, req domain.SessionRequest) (*domain.Session, bool, error)
}

// Store — часть ScheduleStore, нужная планировщику.
type Store interface {
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
}

// Scheduler — планировщик, обрабатывающий due schedules.
type Scheduler struct {
	store     Store
	sessions  SessionStarter
	clock     clockwork.Clock
	logger    *slog.Logger
	batchSize int
}

// Config — конфигурация Scheduler.
type Config struct {
	Store     Store
	Sessions  SessionStarter
	Clock     clockwork.Clock
	Logger    *slog.Logger
	BatchSize int // количество schedules за один тик (default: 100)
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		clock:     clock,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled, next_due_at <= now)
// 2. Для каждого стартует session с session time = next_due_at
// 3. Сдвигает next_due_at
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()

	schedules, err := s.store.ListDueSchedules(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var processed, created int
	for i := range schedules {
		sched := &schedules[i]

		started, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"site_id", sched.SiteID,
				"workflow", sched.Workflow,
				"error", err,
			)
			continue
		}

		processed++
		if started {
			created++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"processed", processed,
		"sessions_started", created,
	)
	return nil
}

// processSchedule обрабатывает один schedule.
// Возвращает true, если session была создана (не дубликат).
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	logger := telemetry.WithSiteID(s.logger, sched.SiteID).With("schedule_id", sched.ID)

	sessionTime := now
	if sched.NextDueAt != nil {
		sessionTime = *sched.NextDueAt
	}

	sess, created, err := s.sessions.StartSession(ctx, domain.SessionRequest{
		SiteID:         sched.SiteID,
		ProjectID:      sched.ProjectID,
		Workflow:       sched.Workflow,
		SessionTime:    sessionTime,
		OverrideParams: sched.Params,
	})
	switch {
	case errors.Is(err, repo.ErrResourceLimitExceeded):
		// next_due_at не двигаем: следующий тик попробует снова.
		logger.Warn("active attempts limit reached, schedule postponed", "error", err)
		return false, nil
	case errors.Is(err, repo.ErrNotFound):
		logger.Warn("workflow not found, disabling schedule", "workflow", sched.Workflow)
		sched.Enabled = false
		sched.UpdatedAt = now
		return false, s.store.UpdateSchedule(ctx, sched)
	case err != nil:
		return false, fmt.Errorf("start session: %w", err)
	}

	if created {
		logger.Info("session started from schedule",
			"session_id", sess.ID,
			"workflow", sched.Workflow,
			"session_time", sessionTime,
		)
	}

	// Следующее время считается от session time, а не от now: пропущенные
	// запуски догоняются по одному за тик.
	nextDue, err := CalculateNextDue(sched, sessionTime)
	if err != nil {
		logger.Error("failed to calculate next due, disabling schedule", "error", err)
		sched.Enabled = false
		sched.UpdatedAt = now
		return created, s.store.UpdateSchedule(ctx, sched)
	}

	sched.RecordSession(sess.ID, nextDue, now)
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return created, fmt.Errorf("update schedule: %w", err)
	}
	return created, nil
}
