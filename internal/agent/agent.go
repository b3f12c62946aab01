package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultSlots        = 4
	defaultLeaseSeconds = 60
	defaultPollInterval = 10 * time.Second
	defaultLeaseRate    = 5 // lease-запросов в секунду
)

// TaskExecutor выполняет один leased attempt. Реализуется *Executor.
type TaskExecutor interface {
	Execute(ctx context.Context, task domain.LeasedTask)
}

// Agent забирает attempts у ядра и выполняет их параллельно, не больше Slots.
type Agent struct {
	core     Core
	executor TaskExecutor
	clock    clockwork.Clock

	siteID       int
	agentID      string
	slots        int64
	leaseSeconds int
	pollInterval time.Duration

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wake    chan struct{}

	// held — locks выполняемых attempts (lockID → taskID).
	held   map[string]domain.LeasedTask
	heldMu sync.Mutex

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	tasksWg    sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Agent.
type Config struct {
	Core     Core
	Executor TaskExecutor
	Clock    clockwork.Clock

	SiteID       int
	AgentID      string
	Slots        int           // параллельных attempts (default: 4)
	LeaseSeconds int           // длительность lease (default: 60)
	PollInterval time.Duration // интервал опроса ядра (default: 10s)
	LeaseRate    float64       // максимум lease-запросов в секунду (default: 5)

	Logger *slog.Logger
}

// New создаёт Agent.
func New(cfg Config) *Agent {
	slots := cfg.Slots
	if slots <= 0 {
		slots = defaultSlots
	}
	leaseSeconds := cfg.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = defaultLeaseSeconds
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	leaseRate := cfg.LeaseRate
	if leaseRate <= 0 {
		leaseRate = defaultLeaseRate
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		core:         cfg.Core,
		executor:     cfg.Executor,
		clock:        clock,
		siteID:       cfg.SiteID,
		agentID:      cfg.AgentID,
		slots:        int64(slots),
		leaseSeconds: leaseSeconds,
		pollInterval: pollInterval,
		sem:          semaphore.NewWeighted(int64(slots)),
		limiter:      rate.NewLimiter(rate.Limit(leaseRate), 1),
		wake:         make(chan struct{}, 1),
		held:         make(map[string]domain.LeasedTask),
		logger:       telemetry.WithAgentID(logger, cfg.AgentID),
	}
}

// Start запускает цикл lease и heartbeat.
func (a *Agent) Start(ctx context.Context) error {
	if a.IsStopped() {
		return ErrAgentStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	a.logger.Info("starting agent",
		"site_id", a.siteID,
		"slots", a.slots,
		"lease_seconds", a.leaseSeconds,
		"poll_interval", a.pollInterval,
	)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.leaseLoop(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.logger.Info("agent started")
	return nil
}

// Stop останавливает агента и ждёт завершения выполняемых attempts.
func (a *Agent) Stop() {
	a.stoppedMu.Lock()
	a.stopped = true
	a.stoppedMu.Unlock()

	a.logger.Info("stopping agent...")

	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	a.wg.Wait()
	a.tasksWg.Wait()

	a.logger.Info("agent stopped")
}

// IsStopped проверяет, остановлен ли агент.
func (a *Agent) IsStopped() bool {
	a.stoppedMu.RLock()
	defer a.stoppedMu.RUnlock()
	return a.stopped
}

// Wake будит цикл lease раньше PollInterval (например, по task.ready).
func (a *Agent) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// HeldLocks возвращает locks выполняемых attempts.
func (a *Agent) HeldLocks() []string {
	a.heldMu.Lock()
	defer a.heldMu.Unlock()

	locks := make([]string, 0, len(a.held))
	for lockID := range a.held {
		locks = append(locks, lockID)
	}
	return locks
}

// leaseLoop забирает attempts, пока есть свободные слоты.
func (a *Agent) leaseLoop(ctx context.Context) {
	ticker := a.clock.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		full := a.leaseOnce(ctx)

		// Если все свободные слоты заполнены, в очереди могут быть ещё attempts.
		if full && a.freeSlots() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		case <-ticker.Chan():
		}
	}
}

// leaseOnce делает один lease-запрос. Возвращает true, если ядро выдало
// столько attempts, сколько было запрошено.
func (a *Agent) leaseOnce(ctx context.Context) bool {
	free := a.freeSlots()
	if free <= 0 {
		return false
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return false
	}

	tasks, err := a.core.Lease(ctx, a.siteID, a.agentID, a.leaseSeconds, int(free))
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("failed to lease tasks", "error", err)
		}
		return false
	}

	for _, task := range tasks {
		if !a.sem.TryAcquire(1) {
			// Слотов меньше, чем выдано: lease истечёт, attempt получит другой агент.
			a.logger.Warn("no free slot for leased task", "task_id", task.TaskID)
			continue
		}
		a.hold(task)

		a.tasksWg.Add(1)
		go func(task domain.LeasedTask) {
			defer a.tasksWg.Done()
			defer a.sem.Release(1)
			defer a.release(task.LockID)

			a.executor.Execute(ctx, task)
		}(task)
	}
	return int64(len(tasks)) == free
}

// freeSlots возвращает число свободных слотов.
func (a *Agent) freeSlots() int64 {
	a.heldMu.Lock()
	defer a.heldMu.Unlock()
	return a.slots - int64(len(a.held))
}

func (a *Agent) hold(task domain.LeasedTask) {
	a.heldMu.Lock()
	defer a.heldMu.Unlock()
	a.held[task.LockID] = task
}

func (a *Agent) release(lockID string) {
	a.heldMu.Lock()
	defer a.heldMu.Unlock()
	delete(a.held, lockID)
}

// heartbeatLoop продлевает все held locks каждые leaseSeconds/3.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(a.leaseSeconds) * time.Second / 3
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.heartbeat(ctx)
		}
	}
}

// heartbeat отправляет один heartbeat. Locks, которые ядро не продлило,
// считаются потерянными: оператор продолжает работу, но его результат
// ядро отклонит.
func (a *Agent) heartbeat(ctx context.Context) {
	a.heldMu.Lock()
	lockIDs := make([]string, 0, len(a.held))
	for lockID, task := range a.held {
		if task.LockID != "" {
			lockIDs = append(lockIDs, lockID)
		}
	}
	a.heldMu.Unlock()

	if len(lockIDs) == 0 {
		return
	}

	renewals, err := a.core.Heartbeat(ctx, a.siteID, lockIDs, a.agentID, a.leaseSeconds)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("heartbeat failed", "locks", len(lockIDs), "error", err)
		}
		return
	}

	renewed := make(map[string]struct{}, len(renewals))
	for _, r := range renewals {
		renewed[r.LockID] = struct{}{}
	}

	a.heldMu.Lock()
	defer a.heldMu.Unlock()
	for _, lockID := range lockIDs {
		if _, ok := renewed[lockID]; ok {
			continue
		}
		task, ok := a.held[lockID]
		if !ok {
			continue
		}
		// Оставляем слот занятым до завершения оператора, но больше не продлеваем.
		task.LockID = ""
		a.held[lockID] = task
		telemetry.LostLeases.Inc()
		a.logger.Warn("lease lost", "task_id", task.TaskID, "lock_id", lockID)
	}
}
