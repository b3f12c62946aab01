package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Leader — лидерство через session-level advisory lock.
//
// Lock живёт, пока живо соединение, поэтому Leader держит выделенное
// соединение из пула. Потеря соединения означает потерю лидерства.
type Leader struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

// NewLeader создаёт Leader для ключа advisory lock.
func NewLeader(pool *pgxpool.Pool, key int64) *Leader {
	return &Leader{pool: pool, key: key}
}

// TryAcquire пытается стать лидером или подтверждает текущее лидерство.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err != nil {
			l.conn.Release()
			l.conn = nil
			return false, fmt.Errorf("leader connection lost: %w", err)
		}
		return true, nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release снимает lock и возвращает соединение в пул.
func (l *Leader) Release(ctx context.Context) {
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}
