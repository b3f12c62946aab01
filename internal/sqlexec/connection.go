package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Execer — то, на чём можно выполнить statement: *sql.DB или *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RowCursor — курсор по строкам read-only запроса.
type RowCursor interface {
	// Columns возвращает имена колонок.
	Columns() []string

	// Next переходит к следующей строке.
	Next() bool

	// Values возвращает значения текущей строки ([]byte приводится к string).
	Values() ([]any, error)
}

// Connection — подключение к целевой БД оператора.
//
// Открывается на одно выполнение оператора и закрывается через defer Close().
type Connection struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open открывает подключение и проверяет его ping'ом.
func Open(ctx context.Context, cfg ConnectionConfig, logger *slog.Logger) (*Connection, error) {
	dialect, err := DialectByName(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, &DatabaseError{Message: "failed to open connection", Cause: err}
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &DatabaseError{Message: "failed to connect", Cause: err}
	}

	return NewConnection(db, dialect, logger), nil
}

// NewConnection оборачивает уже открытый *sql.DB.
func NewConnection(db *sql.DB, dialect Dialect, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		db:      db,
		dialect: dialect,
		logger:  logger.With("dialect", dialect.Name()),
	}
}

// Dialect возвращает диалект подключения.
func (c *Connection) Dialect() Dialect {
	return c.dialect
}

// Close закрывает подключение.
func (c *Connection) Close() error {
	return c.db.Close()
}

// ExecUpdate выполняет statement вне транзакции и возвращает число затронутых строк.
func (c *Connection) ExecUpdate(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(c.dialect, query, "failed to execute statement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Не все драйверы/команды возвращают количество строк
		return 0, nil
	}
	return n, nil
}

// QueryReadOnly выполняет запрос в read-only транзакции и передаёт курсор в fn.
// Транзакция всегда откатывается.
func (c *Connection) QueryReadOnly(ctx context.Context, query string, fn func(RowCursor) error, args ...any) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: c.dialect.readOnlyTx()})
	if err != nil {
		return classify(c.dialect, query, "failed to begin read-only transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(c.dialect, query, "failed to execute query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return classify(c.dialect, query, "failed to read columns", err)
	}

	if err := fn(&rowCursor{rows: rows, cols: cols}); err != nil {
		return err
	}

	if err := rows.Err(); err != nil {
		return classify(c.dialect, query, "failed to read rows", err)
	}
	return nil
}

// ValidateStatement проверяет statement до выполнения.
//
// Пустой statement — всегда ошибка. Для DML/SELECT, если диалект позволяет,
// statement дополнительно подготавливается на сервере: синтаксические ошибки
// и несуществующие объекты превращаются в ValidationError.
func (c *Connection) ValidateStatement(ctx context.Context, query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return &ValidationError{Statement: query, Message: "statement is empty"}
	}

	if !c.dialect.SupportsPrepareValidation() || !isPreparable(trimmed) {
		return nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return classify(c.dialect, query, "failed to prepare statement", err)
	}
	stmt.Close()
	return nil
}

// StrictTransactionHelper создаёт helper со status table.
// Возвращает ErrStrictTransactionUnsupported, если диалект не умеет блокировать строки.
func (c *Connection) StrictTransactionHelper(statusTable string, cleanupAfter time.Duration) (TransactionHelper, error) {
	if !c.dialect.SupportsStrictTransaction() {
		return nil, fmt.Errorf("%w: %s", ErrStrictTransactionUnsupported, c.dialect.Name())
	}
	return &strictTransactionHelper{
		conn:         c,
		table:        statusTable,
		queries:      c.dialect.statusTableSQL(statusTable),
		cleanupAfter: cleanupAfter,
		now:          time.Now,
	}, nil
}

// NoTransactionHelper создаёт helper без bookkeeping.
func (c *Connection) NoTransactionHelper() TransactionHelper {
	return &noTransactionHelper{conn: c}
}

// isPreparable проверяет, что statement начинается с DML/SELECT.
func isPreparable(query string) bool {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(strings.TrimLeft(fields[0], "(")) {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "WITH":
		return true
	default:
		return false
	}
}

// rowCursor — RowCursor поверх *sql.Rows.
type rowCursor struct {
	rows *sql.Rows
	cols []string
}

func (r *rowCursor) Columns() []string {
	return r.cols
}

func (r *rowCursor) Next() bool {
	return r.rows.Next()
}

func (r *rowCursor) Values() ([]any, error) {
	values := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}
