package jdbc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/sqlexec"
)

// fakeStatusTable моделирует status table во внешней БД.
type fakeStatusTable struct {
	completed map[string]bool
	effects   []string

	// conflict — следующий LockedTransaction вернёт lock conflict.
	conflict bool
	// execErr — ошибка выполнения effect.
	execErr error
}

func newFakeStatusTable() *fakeStatusTable {
	return &fakeStatusTable{completed: make(map[string]bool)}
}

type fakeHelper struct {
	table      *fakeStatusTable
	strict     bool
	cleanupErr error
}

func (h *fakeHelper) Prepare(context.Context) error { return nil }

func (h *fakeHelper) LockedTransaction(ctx context.Context, key string, effect sqlexec.Effect) (bool, error) {
	if h.strict {
		if h.table.conflict {
			h.table.conflict = false
			return false, fmt.Errorf("%w: row %s", sqlexec.ErrLockConflict, key)
		}
		if h.table.completed[key] {
			return false, nil
		}
	}
	rec := &recordingExecer{table: h.table}
	if err := effect(ctx, rec); err != nil {
		return false, err
	}
	h.table.effects = append(h.table.effects, rec.statements...)
	if h.strict {
		h.table.completed[key] = true
	}
	return true, nil
}

func (h *fakeHelper) Cleanup(context.Context) error { return h.cleanupErr }

type recordingExecer struct {
	table      *fakeStatusTable
	statements []string
}

func (r *recordingExecer) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	if r.table.execErr != nil {
		return nil, r.table.execErr
	}
	r.statements = append(r.statements, query)
	return nil, nil
}

type fakeConn struct {
	dialect     sqlexec.Dialect
	table       *fakeStatusTable
	validateErr error
	cleanupErr  error
	closed      bool
}

func (c *fakeConn) Dialect() sqlexec.Dialect { return c.dialect }

func (c *fakeConn) ValidateStatement(context.Context, string) error { return c.validateErr }

func (c *fakeConn) QueryReadOnly(context.Context, string, func(sqlexec.RowCursor) error, ...any) error {
	return errors.New("not supported by fake")
}

func (c *fakeConn) StrictTransactionHelper(string, time.Duration) (sqlexec.TransactionHelper, error) {
	return &fakeHelper{table: c.table, strict: true, cleanupErr: c.cleanupErr}, nil
}

func (c *fakeConn) NoTransactionHelper() sqlexec.TransactionHelper {
	return &fakeHelper{table: c.table}
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// harness создаёт фабрику pg с fake подключением.
type harness struct {
	factory *Factory
	conn    *fakeConn
	opens   int
}

func newHarness(t *testing.T, f *Factory) *harness {
	t.Helper()

	d, err := sqlexec.DialectByName(f.dialect)
	require.NoError(t, err)

	h := &harness{factory: f, conn: &fakeConn{dialect: d, table: newFakeStatusTable()}}
	f.Open = func(context.Context, sqlexec.ConnectionConfig, *slog.Logger) (Conn, error) {
		h.opens++
		return h.conn, nil
	}
	return h
}

func (h *harness) run(t *testing.T, params map[string]any, state domain.StateParams) operator.Result {
	t.Helper()

	op, err := h.factory.New(&operator.Request{
		Type:    h.factory.Type(),
		Params:  params,
		State:   state,
		Secrets: operator.NewSecretStore(map[string]string{"pg.user": "loader", "pg.password": "secret"}),
	})
	require.NoError(t, err)

	res, err := op.Run(context.Background())
	require.NoError(t, err)
	return res
}

func pgParams() map[string]any {
	return map[string]any{
		"host":     "db.local",
		"database": "analytics",
		"query":    "INSERT INTO events SELECT * FROM staging",
	}
}

func TestSQLOperator_FirstInvocationGeneratesKey(t *testing.T) {
	h := newHarness(t, NewPostgresFactory())

	res := h.run(t, pgParams(), domain.EmptyState())

	retry, ok := res.(operator.RetryAfter)
	require.True(t, ok, "expected RetryAfter, got %T", res)
	assert.Zero(t, retry.Delay)
	queryID, ok := retry.State.String(QueryIDKey)
	require.True(t, ok)
	assert.Len(t, queryID, 36)

	assert.Zero(t, h.opens, "first invocation must not connect")
	assert.Empty(t, h.conn.table.effects)
}

func TestSQLOperator_ExecutesOnceThenSkips(t *testing.T) {
	h := newHarness(t, NewPostgresFactory())
	state := domain.EmptyState().With(QueryIDKey, "3c4a9e36-7f2e-4c55-9d1f-2a7d0b8f6e11")

	res := h.run(t, pgParams(), state)
	success, ok := res.(operator.Success)
	require.True(t, ok, "expected Success, got %T", res)
	assert.Equal(t, true, success.Outputs["executed"])
	assert.True(t, h.conn.closed)

	res = h.run(t, pgParams(), state)
	success, ok = res.(operator.Success)
	require.True(t, ok)
	assert.Equal(t, false, success.Outputs["executed"])

	assert.Equal(t, []string{"INSERT INTO events SELECT * FROM staging"}, h.conn.table.effects)
}

func TestSQLOperator_LockConflictBacksOff(t *testing.T) {
	h := newHarness(t, NewPostgresFactory())
	state := domain.EmptyState().With(QueryIDKey, "k")

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		h.conn.table.conflict = true
		res := h.run(t, pgParams(), state)
		retry, ok := res.(operator.RetryAfter)
		require.True(t, ok, "expected RetryAfter, got %T", res)
		delays = append(delays, retry.Delay)
		state = retry.State
	}

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	id, _ := state.String(QueryIDKey)
	assert.Equal(t, "k", id, "query id survives retries")
	assert.Empty(t, h.conn.table.effects)
}

func TestSQLOperator_ErrorMapping(t *testing.T) {
	state := domain.EmptyState().With(QueryIDKey, "k")

	t.Run("validation", func(t *testing.T) {
		h := newHarness(t, NewPostgresFactory())
		h.conn.validateErr = &sqlexec.ValidationError{Statement: "SELEC", Message: "invalid statement", Cause: errors.New("syntax error")}

		res := h.run(t, pgParams(), state)
		failure, ok := res.(operator.Failure)
		require.True(t, ok)
		assert.Equal(t, domain.ErrorKindValidation, failure.Error.Kind)
	})

	t.Run("database error", func(t *testing.T) {
		h := newHarness(t, NewPostgresFactory())
		h.conn.table.execErr = &sqlexec.DatabaseError{Message: "failed to execute statement", Cause: errors.New("disk full")}

		res := h.run(t, pgParams(), state)
		failure, ok := res.(operator.Failure)
		require.True(t, ok)
		assert.Equal(t, domain.ErrorKindExternalSystem, failure.Error.Kind)
		assert.Equal(t, "failed to execute statement [disk full]", failure.Error.Message)
	})

	t.Run("cleanup failure is ignored", func(t *testing.T) {
		h := newHarness(t, NewPostgresFactory())
		h.conn.cleanupErr = errors.New("permission denied")

		res := h.run(t, pgParams(), state)
		assert.IsType(t, operator.Success{}, res)
	})

	t.Run("unclassified error is returned", func(t *testing.T) {
		f := NewPostgresFactory()
		f.Open = func(context.Context, sqlexec.ConnectionConfig, *slog.Logger) (Conn, error) {
			return nil, context.Canceled
		}
		op, err := f.New(&operator.Request{
			Params:  pgParams(),
			State:   state,
			Secrets: operator.NewSecretStore(map[string]string{"pg.user": "u"}),
		})
		require.NoError(t, err)

		_, err = op.Run(context.Background())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSQLOperator_NonStrictExecutesEveryTime(t *testing.T) {
	h := newHarness(t, NewPostgresFactory())
	params := pgParams()
	params["strict_transaction"] = false
	state := domain.EmptyState().With(QueryIDKey, "k")

	h.run(t, params, state)
	h.run(t, params, state)

	assert.Len(t, h.conn.table.effects, 2)
}

func TestRedshiftFactory_IgnoresStrictTransaction(t *testing.T) {
	h := newHarness(t, NewRedshiftFactory())
	params := pgParams()
	params["user"] = "etl"
	params["strict_transaction"] = true
	state := domain.EmptyState().With(QueryIDKey, "k")

	h.run(t, params, state)
	h.run(t, params, state)

	assert.Len(t, h.conn.table.effects, 2, "redshift operator runs without status table")
}

func TestFactory_ConfigErrors(t *testing.T) {
	secrets := operator.NewSecretStore(map[string]string{"pg.user": "u"})

	tests := []struct {
		name   string
		params map[string]any
	}{
		{"missing host", map[string]any{"database": "d", "query": "SELECT 1"}},
		{"missing query", map[string]any{"host": "h", "database": "d"}},
		{"both wrappers", map[string]any{"host": "h", "database": "d", "query": "SELECT 1", "insert_into": "a", "create_table": "b"}},
		{"bad strict", map[string]any{"host": "h", "database": "d", "query": "SELECT 1", "strict_transaction": "maybe"}},
		{"escaping query file", map[string]any{"host": "h", "database": "d", "query_file": "../etc/passwd"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPostgresFactory().New(&operator.Request{Params: tt.params, Secrets: secrets})
			var cfgErr *operator.ConfigError
			assert.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
		})
	}
}

func TestQueryStatements_Wrappers(t *testing.T) {
	d, _ := sqlexec.DialectByName("postgres")

	stmts, err := queryStatements(d, map[string]any{"query": "SELECT 1;", "insert_into": "public.t"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"INSERT INTO \"public\".\"t\"\nSELECT 1"}, stmts)

	stmts, err = queryStatements(d, map[string]any{"query": "SELECT 1", "create_table": "t"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{`DROP TABLE IF EXISTS "t"`, "CREATE TABLE \"t\" AS\nSELECT 1"}, stmts)
}

// Свойство: при любой последовательности вызовов (lock conflict, ошибки
// выполнения, повторы после успеха) side effect выполняется не более одного
// раза, а после первого Success — ровно один раз.
func TestSQLOperator_AtMostOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := NewPostgresFactory()
		d, _ := sqlexec.DialectByName("postgres")
		conn := &fakeConn{dialect: d, table: newFakeStatusTable()}
		f.Open = func(context.Context, sqlexec.ConnectionConfig, *slog.Logger) (Conn, error) {
			return conn, nil
		}

		state := domain.EmptyState()
		succeeded := false
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")

		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "event") {
			case 1:
				conn.table.conflict = true
			case 2:
				conn.table.execErr = errors.New("connection reset")
			}

			op, err := f.New(&operator.Request{
				Params:  pgParams(),
				State:   state,
				Secrets: operator.NewSecretStore(map[string]string{"pg.user": "u"}),
			})
			if err != nil {
				rt.Fatalf("new operator: %v", err)
			}

			res, err := op.Run(context.Background())
			conn.table.execErr = nil
			if err != nil {
				// Агент сообщит failed, но ядро может выдать attempt заново
				// (истёкший lease), поэтому продолжаем с тем же state.
				continue
			}

			switch r := res.(type) {
			case operator.RetryAfter:
				state = r.State
			case operator.Success:
				succeeded = true
			case operator.Failure:
				rt.Fatalf("unexpected failure: %v", r.Error)
			}

			if n := len(conn.table.effects); n > 1 {
				rt.Fatalf("effect executed %d times", n)
			}
		}

		if succeeded && len(conn.table.effects) != 1 {
			rt.Fatalf("success reported but effect executed %d times", len(conn.table.effects))
		}
	})
}
