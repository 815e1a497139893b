package migration

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/BaSui01/holonflow/internal/database"
)

// Dialect 迁移文件的 SQL 方言，对应 migrations/<dialect> 目录
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect 解析 graph.driver 的取值
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, driver)
	}
}

// sqlDriver database/sql 注册名。SQLite 走纯 Go 驱动，无需 cgo。
func (d Dialect) sqlDriver() string {
	return string(d)
}

// URL 由能力图连接参数构造迁移用的连接串
func (d Dialect) URL(cfg database.DriverConfig) (string, error) {
	switch d {
	case DialectPostgres:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:     "/" + cfg.Name,
			RawQuery: "sslmode=" + url.QueryEscape(sslMode),
		}
		return u.String(), nil
	case DialectMySQL:
		// 多语句迁移文件需要 multiStatements
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name), nil
	case DialectSQLite:
		if cfg.Name == "" {
			return "", fmt.Errorf("sqlite graph database needs a file path in graph.name")
		}
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", cfg.Name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, string(d))
	}
}
