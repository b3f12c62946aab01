package sqlexec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // регистрирует драйвер "pgx"
	"modernc.org/sqlite"
)

type errorClass int

const (
	errorClassDatabase errorClass = iota
	errorClassLockConflict
	errorClassValidation
)

// Dialect описывает различия SQL-систем, с которыми работают операторы.
type Dialect interface {
	// Name — имя диалекта ("postgres", "redshift", "mysql", "sqlite").
	Name() string

	// DriverName — имя драйвера database/sql.
	DriverName() string

	// Placeholder возвращает placeholder для n-го параметра (с 1).
	Placeholder(n int) string

	// QuoteIdent экранирует идентификатор (с поддержкой schema.table).
	QuoteIdent(name string) string

	// SupportsStrictTransaction — есть ли SELECT ... FOR UPDATE NOWAIT.
	SupportsStrictTransaction() bool

	// SupportsPrepareValidation — можно ли валидировать statement через Prepare.
	SupportsPrepareValidation() bool

	// Classify определяет класс ошибки драйвера.
	Classify(err error) errorClass

	readOnlyTx() bool
	statusTableSQL(table string) statusTableQueries
}

// statusTableQueries — SQL для работы со status table.
type statusTableQueries struct {
	create string
	insert string

	// lockTable выполняется в транзакции перед lock, если задан.
	lockTable string

	lock     string
	complete string
	cleanup  string
}

// DialectByName возвращает диалект по имени.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgresql", "pg":
		return postgresDialect{name: "postgres"}, nil
	case "redshift":
		return postgresDialect{name: "redshift", redshift: true}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "sqlite":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, name)
	}
}

// --- postgres / redshift ---

type postgresDialect struct {
	name     string
	redshift bool
}

func (d postgresDialect) Name() string       { return d.name }
func (d postgresDialect) DriverName() string { return "pgx" }

func (d postgresDialect) Placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func (d postgresDialect) QuoteIdent(name string) string {
	return quoteParts(name, `"`)
}

func (d postgresDialect) SupportsStrictTransaction() bool { return true }

// Redshift не поддерживает extended protocol Parse для большинства команд (COPY, UNLOAD).
func (d postgresDialect) SupportsPrepareValidation() bool { return !d.redshift }
func (d postgresDialect) readOnlyTx() bool                { return true }

func (d postgresDialect) Classify(err error) errorClass {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return errorClassDatabase
	}
	switch {
	case pgErr.Code == "55P03": // lock_not_available
		return errorClassLockConflict
	case strings.HasPrefix(pgErr.Code, "42"): // syntax_error_or_access_rule_violation
		return errorClassValidation
	default:
		return errorClassDatabase
	}
}

func (d postgresDialect) statusTableSQL(table string) statusTableQueries {
	t := d.QuoteIdent(table)
	if d.redshift {
		return redshiftStatusTableSQL(t)
	}
	return statusTableQueries{
		create: "CREATE TABLE IF NOT EXISTS " + t + " (" +
			"query_id TEXT NOT NULL PRIMARY KEY, " +
			"created_at TIMESTAMPTZ NOT NULL, " +
			"completed_at TIMESTAMPTZ)",
		insert:   "INSERT INTO " + t + " (query_id, created_at) VALUES ($1, now()) ON CONFLICT (query_id) DO NOTHING",
		lock:     "SELECT completed_at FROM " + t + " WHERE query_id = $1 FOR UPDATE NOWAIT",
		complete: "UPDATE " + t + " SET completed_at = now() WHERE query_id = $1",
		cleanup:  "DELETE FROM " + t + " WHERE completed_at IS NOT NULL AND completed_at < $1",
	}
}

// В Redshift нет FOR UPDATE и ON CONFLICT, а PRIMARY KEY не проверяется.
// Вместо блокировки строки транзакция берёт LOCK на всю status table,
// поэтому вместо lock conflict конкурент просто ждёт.
func redshiftStatusTableSQL(t string) statusTableQueries {
	return statusTableQueries{
		create: "CREATE TABLE IF NOT EXISTS " + t + " (" +
			"query_id VARCHAR(64) NOT NULL, " +
			"created_at TIMESTAMP NOT NULL, " +
			"completed_at TIMESTAMP)",
		insert: "INSERT INTO " + t + " (query_id, created_at) SELECT $1, GETDATE() " +
			"WHERE NOT EXISTS (SELECT 1 FROM " + t + " WHERE query_id = $1)",
		lockTable: "LOCK " + t,
		lock:      "SELECT MAX(completed_at) FROM " + t + " WHERE query_id = $1",
		complete:  "UPDATE " + t + " SET completed_at = GETDATE() WHERE query_id = $1",
		cleanup:   "DELETE FROM " + t + " WHERE completed_at IS NOT NULL AND completed_at < $1",
	}
}

// --- mysql ---

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) Placeholder(int) string { return "?" }

func (mysqlDialect) QuoteIdent(name string) string {
	return quoteParts(name, "`")
}

// FOR UPDATE NOWAIT доступен с MySQL 8.0.
func (mysqlDialect) SupportsStrictTransaction() bool { return true }
func (mysqlDialect) SupportsPrepareValidation() bool { return true }
func (mysqlDialect) readOnlyTx() bool                { return true }

func (mysqlDialect) Classify(err error) errorClass {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return errorClassDatabase
	}
	switch myErr.Number {
	case 3572: // ER_LOCK_NOWAIT
		return errorClassLockConflict
	case 1064, 1146, 1054, 1149: // parse error, no such table, unknown column, syntax
		return errorClassValidation
	default:
		return errorClassDatabase
	}
}

func (d mysqlDialect) statusTableSQL(table string) statusTableQueries {
	t := d.QuoteIdent(table)
	return statusTableQueries{
		create: "CREATE TABLE IF NOT EXISTS " + t + " (" +
			"query_id VARCHAR(64) NOT NULL PRIMARY KEY, " +
			"created_at DATETIME(6) NOT NULL, " +
			"completed_at DATETIME(6) NULL)",
		insert:   "INSERT IGNORE INTO " + t + " (query_id, created_at) VALUES (?, NOW(6))",
		lock:     "SELECT completed_at FROM " + t + " WHERE query_id = ? FOR UPDATE NOWAIT",
		complete: "UPDATE " + t + " SET completed_at = NOW(6) WHERE query_id = ?",
		cleanup:  "DELETE FROM " + t + " WHERE completed_at IS NOT NULL AND completed_at < ?",
	}
}

// --- sqlite ---

// sqlite result codes (младший байт extended code).
const (
	sqliteError  = 1
	sqliteBusy   = 5
	sqliteLocked = 6
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) QuoteIdent(name string) string {
	return quoteParts(name, `"`)
}

// В sqlite нет построчных блокировок.
func (sqliteDialect) SupportsStrictTransaction() bool { return false }
func (sqliteDialect) SupportsPrepareValidation() bool { return true }
func (sqliteDialect) readOnlyTx() bool                { return false }

func (sqliteDialect) Classify(err error) errorClass {
	var liteErr *sqlite.Error
	if !errors.As(err, &liteErr) {
		return errorClassDatabase
	}
	switch liteErr.Code() & 0xff {
	case sqliteBusy, sqliteLocked:
		return errorClassLockConflict
	case sqliteError:
		msg := liteErr.Error()
		if strings.Contains(msg, "syntax error") || strings.Contains(msg, "no such") {
			return errorClassValidation
		}
		return errorClassDatabase
	default:
		return errorClassDatabase
	}
}

func (d sqliteDialect) statusTableSQL(string) statusTableQueries {
	return statusTableQueries{}
}

// quoteParts экранирует каждую часть "schema.table".
func quoteParts(name, quote string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quote + strings.ReplaceAll(p, quote, quote+quote) + quote
	}
	return strings.Join(parts, ".")
}
