package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
)

// MemoryStore — Store в памяти процесса.
//
// Используется в тестах и при CONVEYOR_STORE=memory. Семантика совпадает с
// PGStore: одна мьютекс-секция заменяет транзакцию с блокировкой строк.
type MemoryStore struct {
	mu        sync.Mutex
	attempts  map[domain.AttemptKey]*domain.TaskAttempt
	sessions  map[uuid.UUID]*domain.Session
	projects  map[uuid.UUID]*memoryProject
	schedules map[uuid.UUID]*domain.Schedule
}

type memoryProject struct {
	project domain.Project
	archive []byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts:  make(map[domain.AttemptKey]*domain.TaskAttempt),
		sessions:  make(map[uuid.UUID]*domain.Session),
		projects:  make(map[uuid.UUID]*memoryProject),
		schedules: make(map[uuid.UUID]*domain.Schedule),
	}
}

// --- Attempts ---

func (s *MemoryStore) CreateSession(_ context.Context, sess *domain.Session, def domain.WorkflowDef, maxActive int, now time.Time) (*domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.SiteID == sess.SiteID &&
			existing.ProjectID == sess.ProjectID &&
			existing.Workflow == sess.Workflow &&
			existing.SessionTime.Equal(sess.SessionTime) &&
			existing.RetryAttemptName == sess.RetryAttemptName {
			return existing.Clone(), false, nil
		}
	}

	if maxActive > 0 {
		active := 0
		for key, a := range s.attempts {
			if key.SiteID == sess.SiteID && a.Status.IsActive() {
				active++
			}
		}
		if active >= maxActive {
			return nil, false, fmt.Errorf("%w: %d active attempts (limit %d)", ErrResourceLimitExceeded, active, maxActive)
		}
	}

	prepareSession(sess, now)
	stored := sess.Clone()
	s.sessions[stored.ID] = stored

	attempt := stored.NewAttempt(def, now)
	s.attempts[attempt.Key()] = attempt

	return stored.Clone(), true, nil
}

func (s *MemoryStore) GetSession(_ context.Context, siteID int, id uuid.UUID) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.SiteID != siteID {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) LeaseAttempts(_ context.Context, siteID int, agentID string, leaseFor time.Duration, limit int, now time.Time) ([]domain.TaskAttempt, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.TaskAttempt
	for key, a := range s.attempts {
		if key.SiteID == siteID && a.Leasable(now) {
			candidates = append(candidates, a)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].NextRunAt.Equal(candidates[j].NextRunAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].NextRunAt.Before(candidates[j].NextRunAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	leased := make([]domain.TaskAttempt, 0, len(candidates))
	for _, a := range candidates {
		leaseAttempt(a, agentID, leaseFor, now)
		leased = append(leased, *a.Clone())
	}
	return leased, nil
}

func (s *MemoryStore) RenewLeases(_ context.Context, siteID int, lockIDs []string, agentID string, leaseFor time.Duration, now time.Time) ([]domain.LeaseRenewal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(lockIDs))
	for _, id := range lockIDs {
		wanted[id] = struct{}{}
	}

	var renewals []domain.LeaseRenewal
	for key, a := range s.attempts {
		if key.SiteID != siteID {
			continue
		}
		if _, ok := wanted[a.LockID]; !ok || !a.OwnedBy(a.LockID, agentID, now) {
			continue
		}
		expires := a.RenewLease(leaseFor, now)
		renewals = append(renewals, domain.LeaseRenewal{LockID: a.LockID, TaskID: a.ID, ExpiresAt: expires})
	}
	return renewals, nil
}

func (s *MemoryStore) UpdateLocked(_ context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, now time.Time, fn func(*domain.TaskAttempt) error) (*domain.TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.attempts[domain.AttemptKey{SiteID: siteID, TaskID: taskID}]
	if !ok {
		return nil, ErrNotFound
	}
	if !stored.OwnedBy(lockID, agentID, now) {
		return nil, ErrLeaseConflict
	}

	// fn работает с копией: при ошибке хранимый attempt не меняется.
	updated := stored.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	s.attempts[updated.Key()] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) MakeReady(_ context.Context, key domain.AttemptKey, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[key]
	if !ok || a.Status != domain.AttemptStatusRetryWaiting || a.NextRunAt.After(now) {
		return false, nil
	}
	a.MarkReady(now)
	return true, nil
}

func (s *MemoryStore) ListRetryWaiting(_ context.Context, limit int) ([]PendingRetry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []PendingRetry
	for key, a := range s.attempts {
		if a.Status == domain.AttemptStatusRetryWaiting {
			pending = append(pending, PendingRetry{Key: key, NextRunAt: a.NextRunAt})
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].NextRunAt.Before(pending[j].NextRunAt)
	})
	if limit = normalizeLimit(limit); len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) GetAttempt(_ context.Context, siteID int, taskID uuid.UUID) (*domain.TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[domain.AttemptKey{SiteID: siteID, TaskID: taskID}]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, filter AttemptFilter) ([]domain.TaskAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TaskAttempt
	for key, a := range s.attempts {
		if key.SiteID != filter.SiteID {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.SessionID != nil && a.SessionID != *filter.SessionID {
			continue
		}
		out = append(out, *a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Offset, normalizeLimit(filter.Limit)), nil
}

// --- Projects ---

func (s *MemoryStore) PutProject(_ context.Context, p *domain.Project, archive []byte) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mp := range s.projects {
		if mp.project.SiteID == p.SiteID && mp.project.Name == p.Name {
			mp.project.Revision++
			mp.project.ArchiveMD5 = p.ArchiveMD5
			mp.project.Workflows = append([]domain.WorkflowDef(nil), p.Workflows...)
			mp.project.UpdatedAt = p.UpdatedAt
			mp.archive = append([]byte(nil), archive...)
			return copyProject(&mp.project), nil
		}
	}

	stored := *copyProject(p)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.Revision = 1
	stored.CreatedAt = p.UpdatedAt
	s.projects[stored.ID] = &memoryProject{project: stored, archive: append([]byte(nil), archive...)}
	return copyProject(&stored), nil
}

func (s *MemoryStore) GetProject(_ context.Context, siteID int, id uuid.UUID) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mp, ok := s.projects[id]
	if !ok || mp.project.SiteID != siteID {
		return nil, ErrNotFound
	}
	return copyProject(&mp.project), nil
}

func (s *MemoryStore) ListProjects(_ context.Context, siteID int) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Project
	for _, mp := range s.projects {
		if mp.project.SiteID == siteID {
			out = append(out, *copyProject(&mp.project))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) GetArchive(_ context.Context, siteID int, id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mp, ok := s.projects[id]
	if !ok || mp.project.SiteID != siteID {
		return nil, ErrNotFound
	}
	return append([]byte(nil), mp.archive...), nil
}

// --- Schedules ---

func (s *MemoryStore) CreateSchedule(_ context.Context, sch *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sch.ID]; ok {
		return ErrAlreadyExists
	}
	c := *sch
	s.schedules[sch.ID] = &c
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id uuid.UUID) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sch
	return &c, nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Schedule
	for _, sch := range s.schedules {
		if filter.SiteID != nil && sch.SiteID != *filter.SiteID {
			continue
		}
		if filter.ProjectID != nil && sch.ProjectID != *filter.ProjectID {
			continue
		}
		if filter.Enabled != nil && sch.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, *sch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Offset, normalizeLimit(filter.Limit)), nil
}

func (s *MemoryStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Schedule
	for _, sch := range s.schedules {
		if sch.IsDue(now) {
			out = append(out, *sch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(*out[j].NextDueAt) })
	return paginate(out, 0, normalizeLimit(limit)), nil
}

func (s *MemoryStore) UpdateSchedule(_ context.Context, sch *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sch.ID]; !ok {
		return ErrNotFound
	}
	c := *sch
	s.schedules[sch.ID] = &c
	return nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) SetScheduleEnabled(_ context.Context, id uuid.UUID, enabled bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sch, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	sch.Enabled = enabled
	sch.UpdatedAt = now
	return nil
}

func copyProject(p *domain.Project) *domain.Project {
	c := *p
	c.Workflows = append([]domain.WorkflowDef(nil), p.Workflows...)
	return &c
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
