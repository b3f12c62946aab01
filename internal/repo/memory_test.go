package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
)

var testDef = domain.WorkflowDef{Name: "load", Type: "pg", Config: map[string]any{"query": "SELECT 1"}}

func newSession(siteID int, projectID uuid.UUID, at time.Time) *domain.Session {
	return &domain.Session{
		SiteID:      siteID,
		ProjectID:   projectID,
		Workflow:    "load",
		SessionTime: at,
	}
}

func TestMemoryStore_CreateSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	projectID := uuid.New()

	first, created, err := store.CreateSession(ctx, newSession(1, projectID, clock.Now()), testDef, 0, clock.Now())
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := store.CreateSession(ctx, newSession(1, projectID, clock.Now()), testDef, 0, clock.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.TaskID, again.TaskID)

	retried := newSession(1, projectID, clock.Now())
	retried.RetryAttemptName = "rerun-1"
	third, created, err := store.CreateSession(ctx, retried, testDef, 0, clock.Now())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)

	attempt, err := store.GetAttempt(ctx, 1, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusReady, attempt.Status)
	assert.Equal(t, "pg", attempt.Type)
	assert.Equal(t, "SELECT 1", attempt.Config["query"])
}

func TestMemoryStore_ActiveLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()
	projectID := uuid.New()

	_, _, err := store.CreateSession(ctx, newSession(1, projectID, now), testDef, 1, now)
	require.NoError(t, err)

	_, _, err = store.CreateSession(ctx, newSession(1, projectID, now.Add(time.Hour)), testDef, 1, now)
	assert.True(t, errors.Is(err, ErrResourceLimitExceeded))

	// Лимит считается per site.
	_, created, err := store.CreateSession(ctx, newSession(2, projectID, now), testDef, 1, now)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMemoryStore_LeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore()

	sess, _, err := store.CreateSession(ctx, newSession(1, uuid.New(), clock.Now()), testDef, 0, clock.Now())
	require.NoError(t, err)

	leased, err := store.LeaseAttempts(ctx, 1, "agent-a", time.Minute, 10, clock.Now())
	require.NoError(t, err)
	require.Len(t, leased, 1)
	first := leased[0]
	assert.Equal(t, sess.TaskID, first.ID)
	assert.Equal(t, domain.AttemptStatusRunning, first.Status)
	assert.NotEmpty(t, first.LockID)

	// Живой lease второй раз не выдаётся.
	leased, err = store.LeaseAttempts(ctx, 1, "agent-b", time.Minute, 10, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, leased)

	clock.Advance(30 * time.Second)
	renewals, err := store.RenewLeases(ctx, 1, []string{first.LockID, "unknown"}, "agent-a", time.Minute, clock.Now())
	require.NoError(t, err)
	require.Len(t, renewals, 1)
	assert.Equal(t, clock.Now().Add(time.Minute), renewals[0].ExpiresAt)

	// Чужой агент не может продлить lease.
	renewals, err = store.RenewLeases(ctx, 1, []string{first.LockID}, "agent-b", time.Minute, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, renewals)

	clock.Advance(2 * time.Minute)
	leased, err = store.LeaseAttempts(ctx, 1, "agent-b", time.Minute, 10, clock.Now())
	require.NoError(t, err)
	require.Len(t, leased, 1)
	second := leased[0]
	assert.NotEqual(t, first.LockID, second.LockID)
	require.NotNil(t, second.LastError)
	assert.Equal(t, domain.ErrorKindLeaseExpired, second.LastError.Kind)

	_, err = store.UpdateLocked(ctx, 1, first.ID, first.LockID, "agent-a", clock.Now(), func(a *domain.TaskAttempt) error {
		a.MarkSucceeded(nil, clock.Now())
		return nil
	})
	assert.True(t, errors.Is(err, ErrLeaseConflict))

	got, err := store.GetAttempt(ctx, 1, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusRunning, got.Status)
	assert.Equal(t, second.LockID, got.LockID)
}

func TestMemoryStore_UpdateLockedErrorLeavesAttempt(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()

	sess, _, err := store.CreateSession(ctx, newSession(1, uuid.New(), now), testDef, 0, now)
	require.NoError(t, err)
	leased, err := store.LeaseAttempts(ctx, 1, "agent", time.Minute, 1, now)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	boom := errors.New("boom")
	_, err = store.UpdateLocked(ctx, 1, sess.TaskID, leased[0].LockID, "agent", now, func(a *domain.TaskAttempt) error {
		a.MarkFailed(&domain.ErrorDoc{Message: "x"}, now)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetAttempt(ctx, 1, sess.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusRunning, got.Status)

	_, err = store.UpdateLocked(ctx, 1, uuid.New(), "lock", "agent", now, func(*domain.TaskAttempt) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RetryWaitingAndMakeReady(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore()

	sess, _, err := store.CreateSession(ctx, newSession(1, uuid.New(), clock.Now()), testDef, 0, clock.Now())
	require.NoError(t, err)
	leased, err := store.LeaseAttempts(ctx, 1, "agent", time.Minute, 1, clock.Now())
	require.NoError(t, err)

	state := domain.EmptyState().With("query_id", "q-1")
	_, err = store.UpdateLocked(ctx, 1, sess.TaskID, leased[0].LockID, "agent", clock.Now(), func(a *domain.TaskAttempt) error {
		a.MarkRetry(10*time.Second, state, nil, clock.Now())
		return nil
	})
	require.NoError(t, err)

	pending, err := store.ListRetryWaiting(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	key := domain.AttemptKey{SiteID: 1, TaskID: sess.TaskID}
	assert.Equal(t, key, pending[0].Key)
	assert.Equal(t, clock.Now().Add(10*time.Second), pending[0].NextRunAt)

	ok, err := store.MakeReady(ctx, key, clock.Now())
	require.NoError(t, err)
	assert.False(t, ok, "not due yet")

	clock.Advance(10 * time.Second)
	ok, err = store.MakeReady(ctx, key, clock.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MakeReady(ctx, key, clock.Now())
	require.NoError(t, err)
	assert.False(t, ok, "already ready")

	leased, err = store.LeaseAttempts(ctx, 1, "agent", time.Minute, 1, clock.Now())
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.True(t, state.Equal(leased[0].StateParams), "state params carried to the re-lease")
	assert.Equal(t, 1, leased[0].RetryCount)
}

func TestMemoryStore_Projects(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()

	p, err := store.PutProject(ctx, &domain.Project{SiteID: 1, Name: "etl", ArchiveMD5: "a", UpdatedAt: now}, []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Revision)

	p2, err := store.PutProject(ctx, &domain.Project{SiteID: 1, Name: "etl", ArchiveMD5: "b", UpdatedAt: now}, []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, p.ID, p2.ID)
	assert.Equal(t, 2, p2.Revision)

	archive, err := store.GetArchive(ctx, 1, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), archive)

	_, err = store.GetProject(ctx, 2, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.ListProjects(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStore_Schedules(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore()

	due := now.Add(-time.Minute)
	later := now.Add(time.Hour)
	a := &domain.Schedule{ID: uuid.New(), SiteID: 1, Workflow: "a", Enabled: true, NextDueAt: &due, CreatedAt: now}
	b := &domain.Schedule{ID: uuid.New(), SiteID: 1, Workflow: "b", Enabled: true, NextDueAt: &later, CreatedAt: now}
	require.NoError(t, store.CreateSchedule(ctx, a))
	require.NoError(t, store.CreateSchedule(ctx, b))
	assert.ErrorIs(t, store.CreateSchedule(ctx, a), ErrAlreadyExists)

	list, err := store.ListDueSchedules(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	require.NoError(t, store.SetScheduleEnabled(ctx, a.ID, false, now))
	list, err = store.ListDueSchedules(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, store.DeleteSchedule(ctx, b.ID))
	assert.ErrorIs(t, store.DeleteSchedule(ctx, b.ID), ErrNotFound)
}
