package jdbc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/sqlexec"
)

// QueryIDKey — ключ idempotency key в State Params.
const QueryIDKey = "query_id"

const (
	defaultStatusTable        = "__conveyor_status"
	defaultStatusTableCleanup = 24 * time.Hour
)

// Conn — подключение к целевой БД. Реализуется *sqlexec.Connection.
type Conn interface {
	Dialect() sqlexec.Dialect
	ValidateStatement(ctx context.Context, query string) error
	QueryReadOnly(ctx context.Context, query string, fn func(sqlexec.RowCursor) error, args ...any) error
	StrictTransactionHelper(statusTable string, cleanupAfter time.Duration) (sqlexec.TransactionHelper, error)
	NoTransactionHelper() sqlexec.TransactionHelper
	Close() error
}

// Opener открывает подключение.
type Opener func(ctx context.Context, cfg sqlexec.ConnectionConfig, logger *slog.Logger) (Conn, error)

// OpenConnection — Opener поверх sqlexec.Open.
func OpenConnection(ctx context.Context, cfg sqlexec.ConnectionConfig, logger *slog.Logger) (Conn, error) {
	conn, err := sqlexec.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// statementBuilder строит statements оператора из params.
type statementBuilder func(d sqlexec.Dialect, req *operator.Request) ([]string, error)

// Factory — фабрика SQL-оператора одного типа.
type Factory struct {
	typ     string
	dialect string

	// strictUnsupported — strict_transaction игнорируется с предупреждением.
	strictUnsupported bool

	// readOnlySupported — поддерживается store_last_results.
	readOnlySupported bool

	// secretNamespaces — где искать user/password.
	secretNamespaces []string

	selectors []string
	build     statementBuilder

	// Open — подменяется в тестах. По умолчанию OpenConnection.
	Open Opener
}

// Type реализует operator.Factory.
func (f *Factory) Type() string {
	return f.typ
}

// SecretSelectors реализует operator.Factory.
func (f *Factory) SecretSelectors(map[string]any) []string {
	return f.selectors
}

// New реализует operator.Factory.
func (f *Factory) New(req *operator.Request) (operator.Operator, error) {
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("operator", f.typ)

	d, err := sqlexec.DialectByName(f.dialect)
	if err != nil {
		return nil, err
	}

	params := req.Params
	connCfg, err := connectionConfig(f.dialect, params, req.Secrets, req.WorkDir, f.secretNamespaces...)
	if err != nil {
		return nil, err
	}

	op := &sqlOperator{
		req:     req,
		logger:  logger,
		connCfg: connCfg,
		open:    f.Open,
	}
	if op.open == nil {
		op.open = OpenConnection
	}

	if f.readOnlySupported {
		if op.lastResults, err = parseLastResults(params); err != nil {
			return nil, err
		}
	}

	if op.lastResults != lastResultsNone {
		if operator.HasParam(params, "insert_into") || operator.HasParam(params, "create_table") {
			return nil, operator.NewConfigError("store_last_results can't be used with insert_into or create_table")
		}
		query, err := loadQuery(params, req.WorkDir)
		if err != nil {
			return nil, err
		}
		op.statements = []string{query}
		return op, nil
	}

	if op.statements, err = f.build(d, req); err != nil {
		return nil, err
	}

	if op.strict, err = f.strictTransaction(params, logger); err != nil {
		return nil, err
	}
	if op.strict {
		op.statusTable = operator.GetString(params, "status_table", defaultStatusTable)
		if op.statusCleanup, err = operator.GetDuration(params, "status_table_cleanup", defaultStatusTableCleanup); err != nil {
			return nil, err
		}
	}

	return op, nil
}

func (f *Factory) strictTransaction(params map[string]any, logger *slog.Logger) (bool, error) {
	if f.strictUnsupported {
		if operator.HasParam(params, "strict_transaction") {
			logger.Warn("strict_transaction is ignored", "operator", f.typ)
		}
		return false, nil
	}
	return operator.GetBool(params, "strict_transaction", true)
}

// sqlOperator — один вызов SQL-оператора.
type sqlOperator struct {
	req    *operator.Request
	logger *slog.Logger
	open   Opener

	connCfg    sqlexec.ConnectionConfig
	statements []string

	strict        bool
	statusTable   string
	statusCleanup time.Duration

	lastResults lastResultsMode
}

func (o *sqlOperator) Run(ctx context.Context) (operator.Result, error) {
	if o.lastResults != lastResultsNone {
		return o.runQuery(ctx)
	}

	state := o.req.State
	queryID, ok := state.String(QueryIDKey)
	if !ok || queryID == "" {
		queryID = uuid.NewString()
		o.logger.Debug("generated query id for a new task", "query_id", queryID)
		return operator.RetryAfter{Delay: 0, State: state.With(QueryIDKey, queryID)}, nil
	}

	executed, err := o.execute(ctx, queryID)
	if err != nil {
		return o.handleError(err, state)
	}

	return operator.Success{Outputs: map[string]any{
		QueryIDKey: queryID,
		"executed": executed,
	}}, nil
}

// execute выполняет statements под TransactionHelper.
func (o *sqlOperator) execute(ctx context.Context, queryID string) (bool, error) {
	conn, err := o.open(ctx, o.connCfg, o.logger)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	for _, stmt := range o.statements {
		if err := conn.ValidateStatement(ctx, stmt); err != nil {
			return false, err
		}
	}

	var helper sqlexec.TransactionHelper
	if o.strict {
		helper, err = conn.StrictTransactionHelper(o.statusTable, o.statusCleanup)
		if err != nil {
			return false, &operator.ConfigError{Message: "strict_transaction", Err: err}
		}
	} else {
		helper = conn.NoTransactionHelper()
	}

	if err := helper.Prepare(ctx); err != nil {
		return false, err
	}

	executed, err := helper.LockedTransaction(ctx, queryID, func(ctx context.Context, ex sqlexec.Execer) error {
		for _, stmt := range o.statements {
			if _, err := ex.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if executed {
		o.logger.Info("statement executed", "query_id", queryID, "statements", len(o.statements))
	} else {
		o.logger.Debug("statement already completed according to status table, skipping", "query_id", queryID)
	}

	if err := helper.Cleanup(ctx); err != nil {
		o.logger.Warn("failed to clean up status table, ignoring", "error", err)
	}

	return executed, nil
}

// runQuery выполняет read-only запрос и сохраняет результат в outputs.
func (o *sqlOperator) runQuery(ctx context.Context) (operator.Result, error) {
	conn, err := o.open(ctx, o.connCfg, o.logger)
	if err != nil {
		return o.handleError(err, o.req.State)
	}
	defer conn.Close()

	var rows []map[string]any
	err = conn.QueryReadOnly(ctx, o.statements[0], func(cur sqlexec.RowCursor) error {
		cols := cur.Columns()
		for cur.Next() {
			values, err := cur.Values()
			if err != nil {
				return err
			}
			row := make(map[string]any, len(cols))
			for i, c := range cols {
				row[c] = values[i]
			}
			rows = append(rows, row)

			if o.lastResults == lastResultsFirst {
				return nil
			}
			if len(rows) > maxStoredRows {
				return operator.NewConfigError("the number of result rows exceeded the limit %d", maxStoredRows)
			}
		}
		return nil
	})
	if err != nil {
		return o.handleError(err, o.req.State)
	}

	var lastResults any
	if o.lastResults == lastResultsFirst {
		if len(rows) > 0 {
			lastResults = rows[0]
		} else {
			lastResults = map[string]any{}
		}
	} else {
		if rows == nil {
			rows = []map[string]any{}
		}
		lastResults = rows
	}

	return operator.Success{Outputs: map[string]any{"last_results": lastResults}}, nil
}

// handleError превращает ошибку выполнения в Result.
func (o *sqlOperator) handleError(err error, state domain.StateParams) (operator.Result, error) {
	if sqlexec.IsLockConflict(err) {
		retry := operator.RetryWithBackoff(state, nil)
		o.logger.Info("status row is locked by another transaction, retrying later",
			"delay", retry.Delay,
		)
		return retry, nil
	}

	var valErr *sqlexec.ValidationError
	if errors.As(err, &valErr) {
		doc := &domain.ErrorDoc{Message: valErr.Error(), Kind: domain.ErrorKindValidation}
		if valErr.Statement != "" {
			doc.Details = map[string]any{"statement": valErr.Statement}
		}
		return operator.Failure{Error: doc}, nil
	}

	var cfgErr *operator.ConfigError
	if errors.As(err, &cfgErr) {
		return operator.Failure{Error: operator.ErrorDocFromError(cfgErr)}, nil
	}

	var dbErr *sqlexec.DatabaseError
	if errors.As(err, &dbErr) {
		return operator.Failure{Error: &domain.ErrorDoc{
			Message: dbErr.Error(),
			Kind:    domain.ErrorKindExternalSystem,
		}}, nil
	}

	return nil, err
}
