package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Effect — внешний side effect, выполняемый под блокировкой ключа.
// ex — транзакция helper'а (или само подключение для no-op helper'а).
type Effect func(ctx context.Context, ex Execer) error

// TransactionHelper делает один внешний statement безопасным для повторных вызовов.
type TransactionHelper interface {
	// Prepare создаёт bookkeeping в целевой БД (если нужен).
	Prepare(ctx context.Context) error

	// LockedTransaction выполняет effect под блокировкой ключа.
	// Возвращает false, если по bookkeeping effect уже был выполнен раньше.
	// Если ключ заблокирован другой транзакцией, возвращает ErrLockConflict.
	LockedTransaction(ctx context.Context, key string, effect Effect) (bool, error)

	// Cleanup удаляет устаревшие записи bookkeeping.
	Cleanup(ctx context.Context) error
}

// strictTransactionHelper — helper со status table.
//
// Протокол LockedTransaction:
//  1. INSERT строки для ключа (autocommit, без конфликта если уже есть)
//  2. BEGIN
//  3. SELECT completed_at ... FOR UPDATE NOWAIT (в Redshift: LOCK таблицы)
//  4. completed_at != NULL → ROLLBACK, effect пропускается
//  5. effect в той же транзакции, UPDATE completed_at, COMMIT
type strictTransactionHelper struct {
	conn         *Connection
	table        string
	queries      statusTableQueries
	cleanupAfter time.Duration
	now          func() time.Time
}

func (h *strictTransactionHelper) Prepare(ctx context.Context) error {
	if _, err := h.conn.db.ExecContext(ctx, h.queries.create); err != nil {
		return classify(h.conn.dialect, h.queries.create, "failed to create status table "+h.table, err)
	}
	return nil
}

func (h *strictTransactionHelper) LockedTransaction(ctx context.Context, key string, effect Effect) (bool, error) {
	d := h.conn.dialect

	if _, err := h.conn.db.ExecContext(ctx, h.queries.insert, key); err != nil {
		return false, classify(d, h.queries.insert, "failed to insert status row", err)
	}

	tx, err := h.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(d, "", "failed to begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				h.conn.logger.Warn("failed to rollback status transaction", "query_id", key, "error", err)
			}
		}
	}()

	if h.queries.lockTable != "" {
		if _, err := tx.ExecContext(ctx, h.queries.lockTable); err != nil {
			return false, classify(d, h.queries.lockTable, "failed to lock status table", err)
		}
	}

	var completedAt sql.NullTime
	if err := tx.QueryRowContext(ctx, h.queries.lock, key).Scan(&completedAt); err != nil {
		return false, classify(d, h.queries.lock, "failed to lock status row", err)
	}

	if completedAt.Valid {
		h.conn.logger.Debug("statement already completed according to status table",
			"query_id", key,
			"completed_at", completedAt.Time,
		)
		return false, nil
	}

	if err := effect(ctx, tx); err != nil {
		return false, classify(d, "", "failed to execute statement", err)
	}

	if _, err := tx.ExecContext(ctx, h.queries.complete, key); err != nil {
		return false, classify(d, h.queries.complete, "failed to update status row", err)
	}

	if err := tx.Commit(); err != nil {
		return false, classify(d, "", "failed to commit transaction", err)
	}
	committed = true

	return true, nil
}

func (h *strictTransactionHelper) Cleanup(ctx context.Context) error {
	threshold := h.now().Add(-h.cleanupAfter)
	res, err := h.conn.db.ExecContext(ctx, h.queries.cleanup, threshold)
	if err != nil {
		return classify(h.conn.dialect, h.queries.cleanup, "failed to clean up status table "+h.table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		h.conn.logger.Debug("status table cleaned up", "table", h.table, "deleted", n)
	}
	return nil
}

// noTransactionHelper выполняет effect напрямую на каждом вызове.
// Подходит, только если сам statement идемпотентен.
type noTransactionHelper struct {
	conn *Connection
}

func (h *noTransactionHelper) Prepare(context.Context) error {
	return nil
}

func (h *noTransactionHelper) LockedTransaction(ctx context.Context, _ string, effect Effect) (bool, error) {
	if err := effect(ctx, h.conn.db); err != nil {
		return false, classify(h.conn.dialect, "", "failed to execute statement", err)
	}
	return true, nil
}

func (h *noTransactionHelper) Cleanup(context.Context) error {
	return nil
}
