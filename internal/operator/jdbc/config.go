package jdbc

import (
	"path/filepath"
	"time"

	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/sqlexec"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultSocketTimeout  = 1800 * time.Second
)

// connectionConfig собирает параметры подключения из params и секретов.
//
// user и password ищутся в секретах по namespaces по порядку, user может
// быть задан и параметром. Для sqlite database — путь к файлу относительно
// рабочей директории.
func connectionConfig(dialect string, params map[string]any, secrets operator.SecretProvider, workDir string, namespaces ...string) (sqlexec.ConnectionConfig, error) {
	if secrets == nil {
		secrets = operator.NewSecretStore(nil)
	}

	cfg := sqlexec.ConnectionConfig{Dialect: dialect}

	if dialect == "sqlite" {
		path, err := operator.RequireString(params, "database")
		if err != nil {
			return cfg, err
		}
		if !filepath.IsAbs(path) && path != ":memory:" {
			path = filepath.Join(workDir, path)
		}
		cfg.Path = path
		return cfg, nil
	}

	host, err := operator.RequireString(params, "host")
	if err != nil {
		return cfg, err
	}
	cfg.Host = host

	database, err := operator.RequireString(params, "database")
	if err != nil {
		return cfg, err
	}
	cfg.Database = database

	port, ok, err := operator.GetInt(params, "port")
	if err != nil {
		return cfg, err
	}
	if ok {
		cfg.Port = port
	}

	cfg.User = operator.GetString(params, "user", "")
	if cfg.User == "" {
		cfg.User, _ = operator.FallbackSecret(secrets, "user", namespaces...)
	}
	if cfg.User == "" {
		return cfg, operator.NewConfigError("parameter %q is required", "user")
	}
	cfg.Password, _ = operator.FallbackSecret(secrets, "password", namespaces...)

	cfg.Schema = operator.GetString(params, "schema", "")

	if cfg.SSL, err = operator.GetBool(params, "ssl", false); err != nil {
		return cfg, err
	}
	if cfg.ConnectTimeout, err = operator.GetDuration(params, "connect_timeout", defaultConnectTimeout); err != nil {
		return cfg, err
	}
	if cfg.SocketTimeout, err = operator.GetDuration(params, "socket_timeout", defaultSocketTimeout); err != nil {
		return cfg, err
	}

	return cfg, nil
}
