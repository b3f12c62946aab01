package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newSession() *Session {
	return &Session{
		ID:          uuid.New(),
		SiteID:      1,
		ProjectID:   uuid.New(),
		Workflow:    "load",
		SessionTime: time.Date(2024, 3, 1, 3, 0, 0, 0, time.FixedZone("MSK", 3*3600)),
		Params:      map[string]any{"limit": 10},
		TaskID:      uuid.New(),
	}
}

func TestSession_NewAttempt(t *testing.T) {
	s := newSession()
	def := WorkflowDef{Name: "load", Type: "pg", Config: map[string]any{"query": "SELECT 1", "limit": 5}}

	a := s.NewAttempt(def, t0)

	assert.Equal(t, s.TaskID, a.ID)
	assert.Equal(t, AttemptKey{SiteID: 1, TaskID: s.TaskID}, a.Key())
	assert.Equal(t, AttemptStatusReady, a.Status)
	assert.Equal(t, "pg", a.Type)
	assert.Equal(t, 10, a.Config["limit"], "session params override workflow config")
	assert.Equal(t, "2024-03-01T00:00:00Z", a.Config[SessionTimeParam])
	assert.True(t, a.StateParams.IsEmpty())
	assert.True(t, a.Leasable(t0))

	a.Config["query"] = "changed"
	assert.Equal(t, "SELECT 1", def.Config["query"], "workflow config is copied")
}

func TestSession_NewAttemptKeepsExplicitSessionTime(t *testing.T) {
	s := newSession()
	s.Params = map[string]any{SessionTimeParam: "custom"}

	a := s.NewAttempt(WorkflowDef{Name: "load", Type: "pg"}, t0)
	assert.Equal(t, "custom", a.Config[SessionTimeParam])
}

func TestTaskAttempt_LeaseLifecycle(t *testing.T) {
	a := newSession().NewAttempt(WorkflowDef{Type: "pg"}, t0)

	a.MarkLeased("lock-1", "agent-1", time.Minute, t0)
	assert.Equal(t, AttemptStatusRunning, a.Status)
	assert.True(t, a.OwnedBy("lock-1", "agent-1", t0.Add(30*time.Second)))
	assert.False(t, a.OwnedBy("lock-1", "agent-2", t0), "other agent")
	assert.False(t, a.OwnedBy("lock-2", "agent-1", t0), "stale lock")
	assert.False(t, a.OwnedBy("", "agent-1", t0))
	assert.False(t, a.Leasable(t0.Add(30*time.Second)))

	expires := a.RenewLease(time.Minute, t0.Add(50*time.Second))
	assert.Equal(t, t0.Add(110*time.Second), expires)
	assert.True(t, a.OwnedBy("lock-1", "agent-1", t0.Add(100*time.Second)))

	// Истёкший lease: attempt снова можно выдать, старый lock больше не владеет им.
	later := t0.Add(2 * time.Minute)
	assert.False(t, a.OwnedBy("lock-1", "agent-1", later))
	assert.True(t, a.Leasable(later))

	started := *a.StartedAt
	a.MarkLeased("lock-2", "agent-2", time.Minute, later)
	assert.Equal(t, started, *a.StartedAt, "started_at is set once")
}

func TestTaskAttempt_Retry(t *testing.T) {
	a := newSession().NewAttempt(WorkflowDef{Type: "pg"}, t0)
	a.MarkLeased("lock-1", "agent-1", time.Minute, t0)

	state := EmptyState().With("query_id", "q-1")
	errDoc := &ErrorDoc{Message: "locked", Kind: ErrorKindExternalSystem}
	a.MarkRetry(30*time.Second, state, errDoc, t0.Add(time.Second))

	assert.Equal(t, AttemptStatusRetryWaiting, a.Status)
	assert.Equal(t, 1, a.RetryCount)
	assert.Empty(t, a.LockID)
	assert.Nil(t, a.LockExpiresAt)
	assert.Equal(t, t0.Add(31*time.Second), a.NextRunAt)
	assert.True(t, a.StateParams.Equal(state))
	assert.Equal(t, errDoc, a.LastError)
	assert.False(t, a.Leasable(t0.Add(40*time.Second)), "RETRY_WAITING is not leasable until MakeReady")

	a.MarkReady(t0.Add(40 * time.Second))
	assert.Equal(t, AttemptStatusReady, a.Status)
	assert.True(t, a.Leasable(t0.Add(40*time.Second)))

	// retry без ошибки не стирает последнюю ошибку
	a.MarkLeased("lock-2", "agent-1", time.Minute, t0.Add(40*time.Second))
	a.MarkRetry(0, state, nil, t0.Add(41*time.Second))
	assert.Equal(t, errDoc, a.LastError)
	assert.Equal(t, 2, a.RetryCount)
}

func TestTaskAttempt_Terminal(t *testing.T) {
	a := newSession().NewAttempt(WorkflowDef{Type: "pg"}, t0)
	a.MarkLeased("lock-1", "agent-1", time.Minute, t0)
	a.MarkSucceeded(map[string]any{"rows": 3}, t0.Add(time.Second))

	assert.True(t, a.IsFinished())
	assert.Equal(t, AttemptStatusSucceeded, a.Status)
	assert.Empty(t, a.LockID)
	require.NotNil(t, a.FinishedAt)
	assert.False(t, a.Leasable(t0.Add(time.Hour)))

	b := newSession().NewAttempt(WorkflowDef{Type: "pg"}, t0)
	b.MarkLeased("lock-1", "agent-1", time.Minute, t0)
	b.MarkFailed(&ErrorDoc{Message: "boom", Kind: ErrorKindOperator}, t0.Add(time.Second))
	assert.Equal(t, AttemptStatusFailed, b.Status)
	assert.True(t, b.IsFinished())
}

func TestTaskAttempt_CloneAndLeased(t *testing.T) {
	a := newSession().NewAttempt(WorkflowDef{Type: "pg", Config: map[string]any{"nested": map[string]any{"k": "v"}}}, t0)
	a.MarkLeased("lock-1", "agent-1", time.Minute, t0)

	c := a.Clone()
	c.Config["nested"].(map[string]any)["k"] = "changed"
	*c.LockExpiresAt = t0
	assert.Equal(t, "v", a.Config["nested"].(map[string]any)["k"])
	assert.Equal(t, t0.Add(time.Minute), *a.LockExpiresAt)

	lt := a.Leased()
	assert.Equal(t, a.ID, lt.TaskID)
	assert.Equal(t, "lock-1", lt.LockID)
	assert.Equal(t, t0.Add(time.Minute), lt.LockExpiresAt)
}

func TestAttemptStatus(t *testing.T) {
	for _, s := range []AttemptStatus{AttemptStatusSucceeded, AttemptStatusFailed} {
		assert.True(t, s.IsTerminal(), s)
		assert.False(t, s.IsActive(), s)
	}
	for _, s := range []AttemptStatus{AttemptStatusReady, AttemptStatusRunning, AttemptStatusRetryWaiting} {
		assert.False(t, s.IsTerminal(), s)
		assert.True(t, s.IsActive(), s)
	}

	s, ok := ParseAttemptStatus("RETRY_WAITING")
	require.True(t, ok)
	assert.Equal(t, AttemptStatusRetryWaiting, s)
	_, ok = ParseAttemptStatus("DONE")
	assert.False(t, ok)
}

func TestSchedule_IsDue(t *testing.T) {
	due := t0
	s := &Schedule{Enabled: true, NextDueAt: &due, CronExpr: "0 * * * *"}

	assert.True(t, s.IsCron())
	assert.False(t, s.IsInterval())
	assert.False(t, s.IsDue(t0.Add(-time.Second)))
	assert.True(t, s.IsDue(t0))

	s.Enabled = false
	assert.False(t, s.IsDue(t0))

	id := uuid.New()
	s.RecordSession(id, t0.Add(time.Hour), t0)
	assert.Equal(t, id, *s.LastSessionID)
	assert.Equal(t, t0.Add(time.Hour), *s.NextDueAt)
}
