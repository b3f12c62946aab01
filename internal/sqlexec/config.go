package sqlexec

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ConnectionConfig — параметры подключения к целевой БД.
//
// Собирается оператором из params и secrets (пароль приходит только из secrets).
type ConnectionConfig struct {
	// Dialect — "postgres", "redshift", "mysql", "sqlite".
	Dialect string

	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Schema — search_path для postgres/redshift.
	Schema string

	// SSL — требовать TLS.
	SSL bool

	// Path — путь к файлу БД для sqlite.
	Path string

	// ConnectTimeout — таймаут установки соединения.
	ConnectTimeout time.Duration

	// SocketTimeout — таймаут чтения/записи (mysql).
	SocketTimeout time.Duration
}

// DefaultPort возвращает порт по умолчанию для диалекта.
func DefaultPort(dialect string) int {
	switch dialect {
	case "redshift":
		return 5439
	case "mysql":
		return 3306
	case "postgres", "postgresql", "pg":
		return 5432
	default:
		return 0
	}
}

// DSN строит строку подключения для драйвера диалекта.
func (c ConnectionConfig) DSN() (string, error) {
	port := c.Port
	if port == 0 {
		port = DefaultPort(c.Dialect)
	}

	switch c.Dialect {
	case "postgres", "postgresql", "pg", "redshift":
		return c.postgresDSN(port), nil
	case "mysql":
		return c.mysqlDSN(port), nil
	case "sqlite":
		if c.Path == "" {
			return "", fmt.Errorf("sqlite: path is required")
		}
		return c.Path, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDialect, c.Dialect)
	}
}

func (c ConnectionConfig) postgresDSN(port int) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}

	q := url.Values{}
	if c.SSL {
		q.Set("sslmode", "require")
	} else {
		q.Set("sslmode", "disable")
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	if c.Schema != "" {
		q.Set("search_path", c.Schema)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

func (c ConnectionConfig) mysqlDSN(port int) string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Timeout = c.ConnectTimeout
	cfg.ReadTimeout = c.SocketTimeout
	cfg.WriteTimeout = c.SocketTimeout
	if c.SSL {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}
