package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики ядра и агента. Регистрируются в prometheus.DefaultRegisterer
// и отдаются через /metrics каждого процесса.
var (
	// LeasedTasks — сколько attempts выдано агентам.
	LeasedTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_leased_tasks_total",
		Help: "Task attempts leased to agents",
	}, []string{"site"})

	// Callbacks — обработанные callbacks агентов по результату.
	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_callbacks_total",
		Help: "Agent callbacks handled by the core",
	}, []string{"callback", "outcome"})

	// SessionsStarted — созданные sessions (без дубликатов).
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_sessions_started_total",
		Help: "Sessions created by StartSession",
	})

	// RetriesReady — attempts, возвращённые из RETRY_WAITING в READY.
	RetriesReady = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_retries_ready_total",
		Help: "Retry-waiting attempts made ready by the polling scheduler",
	})

	// PendingRetries — размер очереди Polling Scheduler.
	PendingRetries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_pending_retries",
		Help: "Attempts waiting in the polling scheduler",
	})

	// OperatorRuns — запуски операторов на агенте.
	OperatorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_operator_runs_total",
		Help: "Operator invocations by type and outcome",
	}, []string{"type", "outcome"})

	// OperatorDuration — длительность запуска оператора.
	OperatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_operator_duration_seconds",
		Help:    "Operator run duration",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"type"})

	// LostLeases — locks, которые не удалось продлить heartbeat'ом.
	LostLeases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_lost_leases_total",
		Help: "Leases an agent failed to renew",
	})

	// HTTPRequests — HTTP запросы к API.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_http_requests_total",
		Help: "HTTP requests served by the API",
	}, []string{"method", "status"})
)
