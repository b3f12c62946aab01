package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// sessionLockClass — первый ключ pg_advisory_xact_lock для StartSession.
// Второй ключ — site_id.
const sessionLockClass = 0x636f6e76

const attemptColumns = `
	id, site_id, session_id, project_id, workflow, type, config, status,
	lock_id, agent_id, lock_expires_at, retry_count, state_params, last_error,
	result, next_run_at, started_at, finished_at, created_at, updated_at`

const sessionColumns = `
	id, site_id, project_id, workflow, session_time, retry_attempt_name,
	params, task_id, created_at`

// AttemptRepo — репозиторий sessions и task attempts в PostgreSQL.
type AttemptRepo struct {
	pool *pgxpool.Pool
}

// NewAttemptRepo создаёт новый AttemptRepo.
func NewAttemptRepo(pool *pgxpool.Pool) *AttemptRepo {
	return &AttemptRepo{pool: pool}
}

// execer — общий интерфейс pgxpool.Pool и pgx.Tx для записи.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CreateSession создаёт session и attempt в одной транзакции.
//
// Транзакционная advisory-блокировка по site сериализует проверку
// идемпотентности и лимита активных attempts.
func (r *AttemptRepo) CreateSession(ctx context.Context, sess *domain.Session, def domain.WorkflowDef, maxActive int, now time.Time) (*domain.Session, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, int32(sessionLockClass), int32(sess.SiteID)); err != nil {
		return nil, false, fmt.Errorf("lock site: %w", err)
	}

	existing, err := scanSession(tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE site_id = $1 AND project_id = $2 AND workflow = $3
		  AND session_time = $4 AND retry_attempt_name = $5
	`, sess.SiteID, sess.ProjectID, sess.Workflow, sess.SessionTime, sess.RetryAttemptName))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if maxActive > 0 {
		var active int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM task_attempts
			WHERE site_id = $1 AND status IN ('READY', 'RUNNING', 'RETRY_WAITING')
		`, sess.SiteID).Scan(&active)
		if err != nil {
			return nil, false, fmt.Errorf("count active attempts: %w", err)
		}
		if active >= maxActive {
			return nil, false, fmt.Errorf("%w: %d active attempts (limit %d)", ErrResourceLimitExceeded, active, maxActive)
		}
	}

	prepareSession(sess, now)

	paramsJSON, err := json.Marshal(sess.Params)
	if err != nil {
		return nil, false, fmt.Errorf("marshal params: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		sess.ID,
		sess.SiteID,
		sess.ProjectID,
		sess.Workflow,
		sess.SessionTime,
		sess.RetryAttemptName,
		paramsJSON,
		sess.TaskID,
		sess.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}

	if err := insertAttempt(ctx, tx, sess.NewAttempt(def, now)); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return sess, true, nil
}

// GetSession возвращает session по ID.
func (r *AttemptRepo) GetSession(ctx context.Context, siteID int, id uuid.UUID) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE site_id = $1 AND id = $2`
	return scanSession(r.pool.QueryRow(ctx, query, siteID, id))
}

// LeaseAttempts выбирает leasable attempts через FOR UPDATE SKIP LOCKED,
// так что параллельные агенты не получают одну и ту же строку.
func (r *AttemptRepo) LeaseAttempts(ctx context.Context, siteID int, agentID string, leaseFor time.Duration, limit int, now time.Time) ([]domain.TaskAttempt, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM task_attempts
		WHERE site_id = $1
		  AND ((status = 'READY' AND next_run_at <= $2)
		    OR (status = 'RUNNING' AND lock_expires_at <= $2))
		ORDER BY next_run_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, siteID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select leasable attempts: %w", err)
	}
	attempts, err := collectAttempts(rows)
	if err != nil {
		return nil, err
	}

	for i := range attempts {
		leaseAttempt(&attempts[i], agentID, leaseFor, now)
		if err := updateAttempt(ctx, tx, &attempts[i]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return attempts, nil
}

// RenewLeases продлевает живые lease агента одним UPDATE.
func (r *AttemptRepo) RenewLeases(ctx context.Context, siteID int, lockIDs []string, agentID string, leaseFor time.Duration, now time.Time) ([]domain.LeaseRenewal, error) {
	if len(lockIDs) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		UPDATE task_attempts
		SET lock_expires_at = $4, updated_at = $5
		WHERE site_id = $1
		  AND lock_id = ANY($2)
		  AND agent_id = $3
		  AND status = 'RUNNING'
		  AND lock_expires_at > $5
		RETURNING lock_id, id, lock_expires_at
	`, siteID, lockIDs, agentID, now.Add(leaseFor), now)
	if err != nil {
		return nil, fmt.Errorf("renew leases: %w", err)
	}
	defer rows.Close()

	var renewals []domain.LeaseRenewal
	for rows.Next() {
		var lr domain.LeaseRenewal
		if err := rows.Scan(&lr.LockID, &lr.TaskID, &lr.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan renewal: %w", err)
		}
		renewals = append(renewals, lr)
	}
	return renewals, rows.Err()
}

// UpdateLocked блокирует строку attempt, проверяет lease и сохраняет изменения fn.
func (r *AttemptRepo) UpdateLocked(ctx context.Context, siteID int, taskID uuid.UUID, lockID, agentID string, now time.Time, fn func(*domain.TaskAttempt) error) (*domain.TaskAttempt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	attempt, err := scanAttempt(tx.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM task_attempts
		WHERE site_id = $1 AND id = $2
		FOR UPDATE
	`, siteID, taskID))
	if err != nil {
		return nil, err
	}

	if !attempt.OwnedBy(lockID, agentID, now) {
		return nil, ErrLeaseConflict
	}
	if err := fn(attempt); err != nil {
		return nil, err
	}
	if err := updateAttempt(ctx, tx, attempt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return attempt, nil
}

// MakeReady переводит RETRY_WAITING в READY условным UPDATE.
func (r *AttemptRepo) MakeReady(ctx context.Context, key domain.AttemptKey, now time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE task_attempts
		SET status = 'READY', updated_at = $3
		WHERE site_id = $1 AND id = $2
		  AND status = 'RETRY_WAITING'
		  AND next_run_at <= $3
	`, key.SiteID, key.TaskID, now)
	if err != nil {
		return false, fmt.Errorf("make ready: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListRetryWaiting возвращает attempts в RETRY_WAITING, ближайшие первыми.
func (r *AttemptRepo) ListRetryWaiting(ctx context.Context, limit int) ([]PendingRetry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT site_id, id, next_run_at
		FROM task_attempts
		WHERE status = 'RETRY_WAITING'
		ORDER BY next_run_at ASC
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list retry waiting: %w", err)
	}
	defer rows.Close()

	var pending []PendingRetry
	for rows.Next() {
		var p PendingRetry
		if err := rows.Scan(&p.Key.SiteID, &p.Key.TaskID, &p.NextRunAt); err != nil {
			return nil, fmt.Errorf("scan retry waiting: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// GetAttempt возвращает attempt по ID.
func (r *AttemptRepo) GetAttempt(ctx context.Context, siteID int, taskID uuid.UUID) (*domain.TaskAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM task_attempts WHERE site_id = $1 AND id = $2`
	return scanAttempt(r.pool.QueryRow(ctx, query, siteID, taskID))
}

// ListAttempts возвращает attempts site с фильтрацией.
func (r *AttemptRepo) ListAttempts(ctx context.Context, filter AttemptFilter) ([]domain.TaskAttempt, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+attemptColumns+`
		FROM task_attempts
		WHERE site_id = $1
		  AND ($2::text IS NULL OR status = $2)
		  AND ($3::uuid IS NULL OR session_id = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, filter.SiteID, status, nullUUID(filter.SessionID), normalizeLimit(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return collectAttempts(rows)
}

// --- Helpers ---

func prepareSession(sess *domain.Session, now time.Time) {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.TaskID == uuid.Nil {
		sess.TaskID = uuid.New()
	}
	sess.CreatedAt = now
}

// leaseAttempt выдаёт attempt агенту. Если lease предыдущего агента истёк,
// это записывается в last_error.
func leaseAttempt(a *domain.TaskAttempt, agentID string, leaseFor time.Duration, now time.Time) {
	if a.Status == domain.AttemptStatusRunning {
		a.LastError = &domain.ErrorDoc{
			Message: fmt.Sprintf("lease of agent %q expired", a.AgentID),
			Kind:    domain.ErrorKindLeaseExpired,
		}
	}
	a.MarkLeased(uuid.NewString(), agentID, leaseFor, now)
}

func insertAttempt(ctx context.Context, db execer, a *domain.TaskAttempt) error {
	cols, err := encodeAttempt(a)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO task_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		a.ID,
		a.SiteID,
		a.SessionID,
		a.ProjectID,
		a.Workflow,
		a.Type,
		cols.config,
		a.Status,
		nullString(a.LockID),
		nullString(a.AgentID),
		a.LockExpiresAt,
		a.RetryCount,
		cols.state,
		cols.lastError,
		cols.result,
		a.NextRunAt,
		a.StartedAt,
		a.FinishedAt,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func updateAttempt(ctx context.Context, db execer, a *domain.TaskAttempt) error {
	cols, err := encodeAttempt(a)
	if err != nil {
		return err
	}
	result, err := db.Exec(ctx, `
		UPDATE task_attempts
		SET status = $3, lock_id = $4, agent_id = $5, lock_expires_at = $6,
		    retry_count = $7, state_params = $8, last_error = $9, result = $10,
		    next_run_at = $11, started_at = $12, finished_at = $13, updated_at = $14
		WHERE site_id = $1 AND id = $2
	`,
		a.SiteID,
		a.ID,
		a.Status,
		nullString(a.LockID),
		nullString(a.AgentID),
		a.LockExpiresAt,
		a.RetryCount,
		cols.state,
		cols.lastError,
		cols.result,
		a.NextRunAt,
		a.StartedAt,
		a.FinishedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// encodedAttempt — JSONB колонки attempt.
type encodedAttempt struct {
	config    []byte
	state     []byte
	lastError []byte
	result    []byte
}

func encodeAttempt(a *domain.TaskAttempt) (encodedAttempt, error) {
	var (
		out encodedAttempt
		err error
	)
	if out.config, err = json.Marshal(a.Config); err != nil {
		return out, fmt.Errorf("marshal config: %w", err)
	}
	if out.state, err = json.Marshal(a.StateParams); err != nil {
		return out, fmt.Errorf("marshal state params: %w", err)
	}
	if a.LastError != nil {
		if out.lastError, err = json.Marshal(a.LastError); err != nil {
			return out, fmt.Errorf("marshal last error: %w", err)
		}
	}
	if a.Result != nil {
		if out.result, err = json.Marshal(a.Result); err != nil {
			return out, fmt.Errorf("marshal result: %w", err)
		}
	}
	return out, nil
}

func scanAttempt(row pgx.Row) (*domain.TaskAttempt, error) {
	var (
		a                         domain.TaskAttempt
		lockID, agentID           *string
		configJSON, stateJSON     []byte
		lastErrorJSON, resultJSON []byte
	)
	err := row.Scan(
		&a.ID,
		&a.SiteID,
		&a.SessionID,
		&a.ProjectID,
		&a.Workflow,
		&a.Type,
		&configJSON,
		&a.Status,
		&lockID,
		&agentID,
		&a.LockExpiresAt,
		&a.RetryCount,
		&stateJSON,
		&lastErrorJSON,
		&resultJSON,
		&a.NextRunAt,
		&a.StartedAt,
		&a.FinishedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}

	a.LockID = derefString(lockID)
	a.AgentID = derefString(agentID)

	if a.Config, err = domain.DecodeJSONObject(configJSON); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := a.StateParams.UnmarshalJSON(stateJSON); err != nil {
		return nil, err
	}
	if lastErrorJSON != nil {
		a.LastError = &domain.ErrorDoc{}
		if err := json.Unmarshal(lastErrorJSON, a.LastError); err != nil {
			return nil, fmt.Errorf("unmarshal last error: %w", err)
		}
	}
	if a.Result, err = domain.DecodeJSONObject(resultJSON); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &a, nil
}

func collectAttempts(rows pgx.Rows) ([]domain.TaskAttempt, error) {
	defer rows.Close()

	var attempts []domain.TaskAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	var paramsJSON []byte

	err := row.Scan(
		&s.ID,
		&s.SiteID,
		&s.ProjectID,
		&s.Workflow,
		&s.SessionTime,
		&s.RetryAttemptName,
		&paramsJSON,
		&s.TaskID,
		&s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if s.Params, err = domain.DecodeJSONObject(paramsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return &s, nil
}
