package jdbc

import (
	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/sqlexec"
)

// Теги SQL-операторов.
const (
	TypePostgres     = "pg"
	TypeMySQL        = "mysql"
	TypeRedshift     = "redshift"
	TypeRedshiftLoad = "redshift_load"
	TypeSQLite       = "sqlite"
)

func buildQuery(d sqlexec.Dialect, req *operator.Request) ([]string, error) {
	return queryStatements(d, req.Params, req.WorkDir)
}

func buildCopy(d sqlexec.Dialect, req *operator.Request) ([]string, error) {
	stmt, err := buildCopyStatement(d, req.Params, req.Secrets)
	if err != nil {
		return nil, err
	}
	return []string{stmt}, nil
}

// NewPostgresFactory — оператор "pg".
func NewPostgresFactory() *Factory {
	return &Factory{
		typ:               TypePostgres,
		dialect:           "postgres",
		readOnlySupported: true,
		secretNamespaces:  []string{TypePostgres},
		selectors:         operator.DefaultSecretSelectors(TypePostgres),
		build:             buildQuery,
	}
}

// NewMySQLFactory — оператор "mysql". Strict transaction требует MySQL 8.0+.
func NewMySQLFactory() *Factory {
	return &Factory{
		typ:               TypeMySQL,
		dialect:           "mysql",
		readOnlySupported: true,
		secretNamespaces:  []string{TypeMySQL},
		selectors:         operator.DefaultSecretSelectors(TypeMySQL),
		build:             buildQuery,
	}
}

// NewRedshiftFactory — оператор "redshift".
//
// strict_transaction всегда выключен: statement выполняется без status table.
func NewRedshiftFactory() *Factory {
	return &Factory{
		typ:               TypeRedshift,
		dialect:           "redshift",
		strictUnsupported: true,
		readOnlySupported: true,
		secretNamespaces:  []string{TypeRedshift},
		selectors:         operator.DefaultSecretSelectors(TypeRedshift),
		build:             buildQuery,
	}
}

// NewRedshiftLoadFactory — оператор "redshift_load" (COPY из S3).
//
// Подключение берёт user/password из redshift_load.*, затем redshift.*.
// AWS-ключи ищутся в aws.redshift_load.*, aws.redshift.*, aws.*.
func NewRedshiftLoadFactory() *Factory {
	return &Factory{
		typ:              TypeRedshiftLoad,
		dialect:          "redshift",
		secretNamespaces: []string{TypeRedshiftLoad, TypeRedshift},
		selectors:        []string{TypeRedshiftLoad + ".*", TypeRedshift + ".*", "aws.*"},
		build:            buildCopy,
	}
}

// NewSQLiteFactory — оператор "sqlite" для локального файла БД.
func NewSQLiteFactory() *Factory {
	return &Factory{
		typ:               TypeSQLite,
		dialect:           "sqlite",
		strictUnsupported: true,
		readOnlySupported: true,
		selectors:         operator.DefaultSecretSelectors(TypeSQLite),
		build:             buildQuery,
	}
}

// Factories возвращает фабрики всех SQL-операторов.
func Factories() []*Factory {
	return []*Factory{
		NewPostgresFactory(),
		NewMySQLFactory(),
		NewRedshiftFactory(),
		NewRedshiftLoadFactory(),
		NewSQLiteFactory(),
	}
}

// Register регистрирует все SQL-операторы в реестре.
func Register(r *operator.Registry) {
	for _, f := range Factories() {
		r.Register(f)
	}
}
