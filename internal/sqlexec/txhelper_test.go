package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "5f0c3f4e-8a1b-4f5e-9a57-0c6b2f6b7a10"

func newMockConn(t *testing.T, dialectName string) (*Connection, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d, err := DialectByName(dialectName)
	require.NoError(t, err)

	return NewConnection(db, d, nil), mock
}

func insertEffect(query string) Effect {
	return func(ctx context.Context, ex Execer) error {
		_, err := ex.ExecContext(ctx, query)
		return err
	}
}

func TestStrictHelper_Prepare_CreatesStatusTable(t *testing.T) {
	conn, mock := newMockConn(t, "postgres")
	helper, err := conn.StrictTransactionHelper("__conveyor_status", time.Hour)
	require.NoError(t, err)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "__conveyor_status" (query_id TEXT NOT NULL PRIMARY KEY, created_at TIMESTAMPTZ NOT NULL, completed_at TIMESTAMPTZ)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, helper.Prepare(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStrictHelper_LockedTransaction_ExecutesOnce(t *testing.T) {
	conn, mock := newMockConn(t, "postgres")
	helper, err := conn.StrictTransactionHelper("__conveyor_status", time.Hour)
	require.NoError(t, err)
	q := conn.Dialect().statusTableSQL("__conveyor_status")

	mock.ExpectExec(q.insert).WithArgs(testKey).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(q.lock).WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"completed_at"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO target VALUES (1)").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q.complete).WithArgs(testKey).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	executed, err := helper.LockedTransaction(context.Background(), testKey, insertEffect("INSERT INTO target VALUES (1)"))
	require.NoError(t, err)
	assert.True(t, executed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStrictHelper_LockedTransaction_SkipsCompleted(t *testing.T) {
	conn, mock := newMockConn(t, "postgres")
	helper, err := conn.StrictTransactionHelper("__conveyor_status", time.Hour)
	require.NoError(t, err)
	q := conn.Dialect().statusTableSQL("__conveyor_status")

	mock.ExpectExec(q.insert).WithArgs(testKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery(q.lock).WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"completed_at"}).AddRow(time.Now()))
	mock.ExpectRollback()

	called := false
	executed, err := helper.LockedTransaction(context.Background(), testKey, func(context.Context, Execer) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, executed)
	assert.False(t, called, "effect must not run for a completed key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStrictHelper_LockedTransaction_LockConflict(t *testing.T) {
	conn, mock := newMockConn(t, "postgres")
	helper, err := conn.StrictTransactionHelper("__conveyor_status", time.Hour)
	require.NoError(t, err)
	q := conn.Dialect().statusTableSQL("__conveyor_status")

	mock.ExpectExec(q.insert).WithArgs(testKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery(q.lock).WithArgs(testKey).
		WillReturnError(&pgconn.PgError{Code: "55P03", Message: "could not obtain lock on row"})
	mock.ExpectRollback()

	called := false
	executed, err := helper.LockedTransaction(context.Background(), testKey, func(context.Context, Execer) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsLockConflict(err))
	assert.False(t, executed)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStrictHelper_LockedTransaction_MySQLLockConflict(t *testing.T) {
	conn, mock := newMockConn(t, "mysql")
	helper, err := conn.StrictTransactionHelper("digdag.__conveyor_status", time.Hour)
	require.NoError(t, err)
	q := conn.Dialect().statusTableSQL("digdag.__conveyor_status")

	assert.Contains(t, q.lock, "`digdag`.`__conveyor_status`")

	mock.ExpectExec(q.insert).WithArgs(testKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery(q.lock).WithArgs(testKey).
		WillReturnError(&mysql.MySQLError{Number: 3572, Message: "Statement aborted because lock(s) could not be acquired immediately and NOWAIT is set."})
	mock.ExpectRollback()

	_, err = helper.LockedTransaction(context.Background(), testKey, insertEffect("INSERT INTO t VALUES (1)"))
	assert.True(t, IsLockConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStrictHelper_LockedTransaction_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		effectErr error
		check     func(t *testing.T, err error)
	}{
		{
			name:      "syntax error is validation",
			effectErr: &pgconn.PgError{Code: "42601", Message: "syntax error at or near \"INSRT\""},
			check: func(t *testing.T, err error) {
				var valErr *ValidationError
				assert.True(t, errors.As(err, &valErr))
			},
		},
		{
			name:      "other database error keeps message and cause",
			effectErr: &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"},
			check: func(t *testing.T, err error) {
				var dbErr *DatabaseError
				require.True(t, errors.As(err, &dbErr))
				assert.Equal(t, "failed to execute statement", dbErr.Message)
				assert.Contains(t, err.Error(), "failed to execute statement [")
				assert.Contains(t, err.Error(), "duplicate key value")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, mock := newMockConn(t, "postgres")
			helper, err := conn.StrictTransactionHelper("__conveyor_status", time.Hour)
			require.NoError(t, err)
			q := conn.Dialect().statusTableSQL("__conveyor_status")

			mock.ExpectExec(q.insert).WithArgs(testKey).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectBegin()
			mock.ExpectQuery(q.lock).WithArgs(testKey).
				WillReturnRows(sqlmock.NewRows([]string{"completed_at"}).AddRow(nil))
			mock.ExpectExec("INSERT INTO target VALUES (1)").WillReturnError(tt.effectErr)
			mock.ExpectRollback()

			executed, err := helper.LockedTransaction(context.Background(), testKey, insertEffect("INSERT INTO target VALUES (1)"))
			require.Error(t, err)
			assert.False(t, executed)
			assert.False(t, IsLockConflict(err))
			tt.check(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStrictHelper_Cleanup(t *testing.T) {
	conn, mock := newMockConn(t, "postgres")
	helper, err := conn.StrictTransactionHelper("__conveyor_status", 24*time.Hour)
	require.NoError(t, err)
	q := conn.Dialect().statusTableSQL("__conveyor_status")

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	helper.(*strictTransactionHelper).now = func() time.Time { return now }

	mock.ExpectExec(q.cleanup).WithArgs(now.Add(-24 * time.Hour)).WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, helper.Cleanup(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStrictHelper_Redshift_LocksTable(t *testing.T) {
	conn, mock := newMockConn(t, "redshift")
	helper, err := conn.StrictTransactionHelper("__conveyor_status", time.Hour)
	require.NoError(t, err)
	q := conn.Dialect().statusTableSQL("__conveyor_status")

	assert.NotContains(t, q.lock, "FOR UPDATE")
	assert.NotContains(t, q.insert, "ON CONFLICT")

	mock.ExpectExec(q.insert).WithArgs(testKey).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec(`LOCK "__conveyor_status"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q.lock).WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("COPY t FROM 's3://b/k'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q.complete).WithArgs(testKey).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	executed, err := helper.LockedTransaction(context.Background(), testKey, insertEffect("COPY t FROM 's3://b/k'"))
	require.NoError(t, err)
	assert.True(t, executed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStrictHelper_UnsupportedDialect(t *testing.T) {
	conn, _ := newMockConn(t, "sqlite")
	_, err := conn.StrictTransactionHelper("__conveyor_status", time.Hour)
	assert.ErrorIs(t, err, ErrStrictTransactionUnsupported)
}

func TestNoTransactionHelper_ExecutesEveryTime(t *testing.T) {
	conn, mock := newMockConn(t, "redshift")
	helper := conn.NoTransactionHelper()

	mock.ExpectExec("DELETE FROM t").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM t").WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, helper.Prepare(ctx))
	for i := 0; i < 2; i++ {
		executed, err := helper.LockedTransaction(ctx, testKey, insertEffect("DELETE FROM t"))
		require.NoError(t, err)
		assert.True(t, executed)
	}
	require.NoError(t, helper.Cleanup(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnection_ValidateStatement(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		conn, _ := newMockConn(t, "postgres")
		err := conn.ValidateStatement(context.Background(), "   \n")
		var valErr *ValidationError
		require.True(t, errors.As(err, &valErr))
		assert.Equal(t, "statement is empty", valErr.Message)
	})

	t.Run("missing table", func(t *testing.T) {
		conn, mock := newMockConn(t, "postgres")
		mock.ExpectPrepare("SELECT * FROM missing").
			WillReturnError(&pgconn.PgError{Code: "42P01", Message: "relation \"missing\" does not exist"})

		err := conn.ValidateStatement(context.Background(), "SELECT * FROM missing")
		var valErr *ValidationError
		assert.True(t, errors.As(err, &valErr))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("utility statements are not prepared", func(t *testing.T) {
		conn, mock := newMockConn(t, "postgres")
		require.NoError(t, conn.ValidateStatement(context.Background(), "VACUUM ANALYZE t"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redshift skips server validation", func(t *testing.T) {
		conn, mock := newMockConn(t, "redshift")
		require.NoError(t, conn.ValidateStatement(context.Background(), "SELECT 1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConnection_ExecUpdate_Classifies(t *testing.T) {
	conn, mock := newMockConn(t, "postgres")
	mock.ExpectExec("UPDATE t SET x = 1").WillReturnError(sql.ErrConnDone)

	_, err := conn.ExecUpdate(context.Background(), "UPDATE t SET x = 1")
	var dbErr *DatabaseError
	require.True(t, errors.As(err, &dbErr))
	assert.ErrorIs(t, err, sql.ErrConnDone)
}
