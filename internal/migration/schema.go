package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/BaSui01/holonflow/internal/database"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	ErrUnsupportedDialect = errors.New("unsupported graph database dialect")
	ErrDirty              = errors.New("graph schema is dirty")
)

// Tables 迁移管理的能力图表
var Tables = []string{"graph_capabilities", "graph_properties"}

// Step 一个内嵌的迁移文件
type Step struct {
	Version uint
	Name    string
}

// StepStatus 迁移文件的应用状态
type StepStatus struct {
	Step
	Applied bool
	Dirty   bool
}

// Info 能力图 Schema 的当前状态
type Info struct {
	Dialect Dialect
	Version uint
	Dirty   bool
	Total   int
	Applied int
}

// Pending 尚未应用的迁移数
func (i Info) Pending() int { return i.Total - i.Applied }

// Migrator 能力图 Schema 迁移
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]StepStatus, error)
	Info(ctx context.Context) (*Info, error)
	Close() error
}

// Option Schema 选项
type Option func(*options)

type options struct {
	table       string
	lockTimeout time.Duration
	logger      *zap.Logger
}

// WithTable 指定版本表名，默认 schema_migrations
func WithTable(name string) Option {
	return func(o *options) { o.table = name }
}

// WithLockTimeout 迁移锁等待时间
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithLogger golang-migrate 的输出转到 zap
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Schema 基于 golang-migrate 管理能力图表结构，迁移文件内嵌在二进制中。
type Schema struct {
	dialect Dialect
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// Open 按能力图连接参数打开数据库并准备迁移
func Open(cfg database.DriverConfig, opts ...Option) (*Schema, error) {
	o := options{table: "schema_migrations", lockTimeout: 15 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := dialect.URL(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.sqlDriver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open graph database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping graph database: %w", err)
	}

	target, err := dialectDriver(dialect, db, o.table)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare %s migration driver: %w", dialect, err)
	}
	source, err := iofs.New(migrationsFS, path.Join("migrations", string(dialect)))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, string(dialect), target)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.LockTimeout = o.lockTimeout

	logger := o.logger.With(zap.String("component", "graph_migration"), zap.String("dialect", string(dialect)))
	m.Log = migrateLog{logger: logger}

	return &Schema{dialect: dialect, migrate: m, logger: logger}, nil
}

func dialectDriver(d Dialect, db *sql.DB, table string) (migratedb.Driver, error) {
	switch d {
	case DialectPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	case DialectMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
	case DialectSQLite:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: table})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, string(d))
}

// Up 应用全部未执行的迁移，已是最新时不报错
func (s *Schema) Up(ctx context.Context) error {
	if err := s.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return s.wrap("apply graph migrations", err)
	}
	return nil
}

// Down 回滚最近一次迁移
func (s *Schema) Down(ctx context.Context) error {
	if err := s.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return s.wrap("roll back graph migration", err)
	}
	return nil
}

// Force 将版本标记为 version 并清除 dirty，不执行 SQL。version 为 -1 表示未迁移。
func (s *Schema) Force(ctx context.Context, version int) error {
	if version < -1 {
		return fmt.Errorf("force version must be >= -1, got %d", version)
	}
	if err := s.migrate.Force(version); err != nil {
		return fmt.Errorf("force graph schema to %d: %w", version, err)
	}
	s.logger.Warn("graph schema version forced", zap.Int("version", version))
	return nil
}

// Version 当前版本，未迁移时为 0
func (s *Schema) Version(ctx context.Context) (uint, bool, error) {
	v, dirty, err := s.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read graph schema version: %w", err)
	}
	return v, dirty, nil
}

// Status 每个内嵌迁移的应用状态
func (s *Schema) Status(ctx context.Context) ([]StepStatus, error) {
	current, dirty, err := s.Version(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := Steps(s.dialect)
	if err != nil {
		return nil, err
	}
	out := make([]StepStatus, len(steps))
	for i, st := range steps {
		out[i] = StepStatus{
			Step:    st,
			Applied: st.Version <= current,
			Dirty:   dirty && st.Version == current,
		}
	}
	return out, nil
}

// Info 汇总当前状态
func (s *Schema) Info(ctx context.Context) (*Info, error) {
	current, dirty, err := s.Version(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := Steps(s.dialect)
	if err != nil {
		return nil, err
	}
	info := &Info{Dialect: s.dialect, Version: current, Dirty: dirty, Total: len(steps)}
	for _, st := range steps {
		if st.Version <= current {
			info.Applied++
		}
	}
	return info, nil
}

// Close 释放迁移源和数据库连接
func (s *Schema) Close() error {
	srcErr, dbErr := s.migrate.Close()
	return errors.Join(srcErr, dbErr)
}

func (s *Schema) wrap(op string, err error) error {
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return fmt.Errorf("%s: %w at version %d, run migrate force", op, ErrDirty, dirty.Version)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Steps 列出某方言的内嵌迁移，按版本升序
func Steps(d Dialect) ([]Step, error) {
	entries, err := fs.ReadDir(migrationsFS, path.Join("migrations", string(d)))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, string(d))
	}
	var steps []Step
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".up.sql")
		if e.IsDir() || !ok {
			continue
		}
		// 000001_graph_schema
		num, label, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(num, 10, 32)
		if err != nil {
			continue
		}
		steps = append(steps, Step{Version: uint(v), Name: label})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// migrateLog 实现 migrate.Logger
type migrateLog struct {
	logger *zap.Logger
}

func (l migrateLog) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLog) Verbose() bool {
	return l.logger.Core().Enabled(zap.DebugLevel)
}
