package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPoolClosed Close 之后的调用返回
var ErrPoolClosed = errors.New("database pool is closed")

// =============================================================================
// 🗄️ 能力图连接池
// =============================================================================

// PoolConfig 连接池与事务重试配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 可重试错误（死锁、序列化失败、断连）的最大尝试次数
	TxAttempts int `yaml:"tx_attempts" json:"tx_attempts"`
	// 首次重试前的等待，之后翻倍
	TxBackoff time.Duration `yaml:"tx_backoff" json:"tx_backoff"`
}

// DefaultPoolConfig 返回默认配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    4,
		MaxOpenConns:    16,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		TxAttempts:      3,
		TxBackoff:       50 * time.Millisecond,
	}
}

// Validate 校验配置
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxOpenConns <= 0:
		return errors.New("max_open_conns must be positive")
	case c.MaxIdleConns <= 0:
		return errors.New("max_idle_conns must be positive")
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	case c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0:
		return errors.New("connection lifetimes must not be negative")
	case c.TxAttempts < 0 || c.TxBackoff < 0:
		return errors.New("tx_attempts and tx_backoff must not be negative")
	}
	return nil
}

// Pool 持有能力图的 GORM 连接，提供事务与探活。
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool 按配置设置 database/sql 连接池
func NewPool(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	if config.TxAttempts <= 0 {
		config.TxAttempts = 1
	}

	p := &Pool{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "graph_db_pool")),
	}
	p.logger.Info("graph database pool ready",
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("tx_attempts", config.TxAttempts),
	)
	return p, nil
}

// DB 返回 GORM 实例
func (p *Pool) DB() *gorm.DB {
	return p.db
}

// Ping 探活，注册为 /health 的 graph 检查
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// Register 把连接池统计导出为 go_sql_* 指标，db_name 标签为 name
func (p *Pool) Register(reg prometheus.Registerer, name string) error {
	if err := reg.Register(collectors.NewDBStatsCollector(p.sqlDB, name)); err != nil {
		return fmt.Errorf("register db stats collector: %w", err)
	}
	return nil
}

// Close 关闭连接，可重复调用
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.logger.Info("closing graph database pool")
	return p.sqlDB.Close()
}

// Tx 在单个事务中执行 fn，fn 返回错误时回滚
func (p *Pool) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return p.db.WithContext(ctx).Transaction(fn)
}

// RetryTx 同 Tx，遇到可重试错误时按指数退避重新执行整个事务
func (p *Pool) RetryTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	backoff := p.config.TxBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = p.Tx(ctx, fn)
		if err == nil || !Retryable(err) || attempt >= p.config.TxAttempts {
			break
		}
		p.logger.Warn("graph transaction failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil && p.config.TxAttempts > 1 && Retryable(err) {
		return fmt.Errorf("graph transaction failed after %d attempts: %w", p.config.TxAttempts, err)
	}
	return err
}

// Retryable 判断事务错误能否整体重试：死锁、序列化失败、锁等待超时、断连。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1205 lock wait timeout, 1213 deadlock
		return myErr.Number == 1205 || myErr.Number == 1213
	}

	// sqlite 与未识别的驱动只能看错误文本
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "deadlock", "connection reset", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
