package dispatch

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepBatch    = 1000
	defaultErrorDelay    = 5 * time.Second
)

// Store — то, что Scheduler нужно от хранилища.
type Store interface {
	MakeReady(ctx context.Context, key domain.AttemptKey, now time.Time) (bool, error)
	ListRetryWaiting(ctx context.Context, limit int) ([]repo.PendingRetry, error)
}

// ReadyNotifier публикует task.ready.
type ReadyNotifier interface {
	NotifyReady(ctx context.Context, key domain.AttemptKey) error
}

// Scheduler — Polling Scheduler.
type Scheduler struct {
	store    Store
	notifier ReadyNotifier
	clock    clockwork.Clock

	sweepInterval time.Duration
	sweepBatch    int
	errorDelay    time.Duration

	mu      sync.Mutex
	entries entryHeap
	index   map[domain.AttemptKey]*entry
	wake    chan struct{}

	logger *slog.Logger
}

// Config — конфигурация Scheduler.
type Config struct {
	Store    Store
	Notifier ReadyNotifier // может быть nil
	Clock    clockwork.Clock

	SweepInterval time.Duration // как часто перечитывать RETRY_WAITING (default: 30s)
	SweepBatch    int           // сколько строк читать за sweep (default: 1000)
	ErrorDelay    time.Duration // через сколько повторить MakeReady после ошибки (default: 5s)

	Logger *slog.Logger
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		clock:         cfg.Clock,
		sweepInterval: cfg.SweepInterval,
		sweepBatch:    cfg.SweepBatch,
		errorDelay:    cfg.ErrorDelay,
		index:         make(map[domain.AttemptKey]*entry),
		wake:          make(chan struct{}, 1),
		logger:        cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = defaultSweepInterval
	}
	if s.sweepBatch <= 0 {
		s.sweepBatch = defaultSweepBatch
	}
	if s.errorDelay <= 0 {
		s.errorDelay = defaultErrorDelay
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Schedule добавляет attempt в индекс. Повторный вызов для того же key
// заменяет время: последнее записанное next_run_at авторитетно.
func (s *Scheduler) Schedule(key domain.AttemptKey, notBefore time.Time) {
	s.mu.Lock()
	if e, ok := s.index[key]; ok {
		e.notBefore = notBefore
		heap.Fix(&s.entries, e.index)
	} else {
		e := &entry{key: key, notBefore: notBefore}
		heap.Push(&s.entries, e)
		s.index[key] = e
	}
	telemetry.PendingRetries.Set(float64(len(s.entries)))
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len возвращает количество attempts в индексе.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run обрабатывает индекс до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("polling scheduler started", "sweep_interval", s.sweepInterval)

	s.sweep(ctx)

	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		s.dispatchDue(ctx)

		var timerC <-chan time.Time
		var timer clockwork.Timer
		if next, ok := s.nextDue(); ok {
			timer = s.clock.NewTimer(next.Sub(s.clock.Now()))
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info("polling scheduler stopped")
			return nil
		case <-s.wake:
		case <-timerC:
		case <-ticker.Chan():
			s.sweep(ctx)
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// sweep перечитывает RETRY_WAITING из хранилища.
func (s *Scheduler) sweep(ctx context.Context) {
	pending, err := s.store.ListRetryWaiting(ctx, s.sweepBatch)
	if err != nil {
		s.logger.Error("failed to load retry-waiting attempts", "error", err)
		return
	}
	for _, p := range pending {
		s.Schedule(p.Key, p.NextRunAt)
	}
	if len(pending) > 0 {
		s.logger.Debug("retry-waiting attempts loaded", "count", len(pending))
	}
}

// dispatchDue переводит все наступившие attempts в READY.
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.clock.Now()
	for _, key := range s.popDue(now) {
		if ctx.Err() != nil {
			return
		}

		ready, err := s.store.MakeReady(ctx, key, now)
		if err != nil {
			s.logger.Error("failed to make attempt ready",
				"site_id", key.SiteID,
				"task_id", key.TaskID,
				"error", err,
			)
			s.Schedule(key, now.Add(s.errorDelay))
			continue
		}
		if !ready {
			// Уже READY (другой экземпляр ядра), завершён или перенесён.
			continue
		}

		telemetry.RetriesReady.Inc()
		s.logger.Debug("attempt ready for retry", "site_id", key.SiteID, "task_id", key.TaskID)

		if s.notifier != nil {
			if err := s.notifier.NotifyReady(ctx, key); err != nil {
				s.logger.Warn("failed to publish task ready", "task_id", key.TaskID, "error", err)
			}
		}
	}
}

func (s *Scheduler) popDue(now time.Time) []domain.AttemptKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.AttemptKey
	for len(s.entries) > 0 && !s.entries[0].notBefore.After(now) {
		e := heap.Pop(&s.entries).(*entry)
		delete(s.index, e.key)
		due = append(due, e.key)
	}
	telemetry.PendingRetries.Set(float64(len(s.entries)))
	return due
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].notBefore, true
}
