package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/tokenest/config"
)

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")

// retryBaseDelay 事务重试的首个退避时长，之后逐次翻倍
const retryBaseDelay = 50 * time.Millisecond

// PoolConfig sql.DB 连接池参数
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// Validate 检查连接数上下限
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxOpenConns <= 0:
		return errors.New("max_open_conns must be positive")
	case c.MaxIdleConns <= 0:
		return errors.New("max_idle_conns must be positive")
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

// poolConfigFor 从数据库配置推导连接池参数
func poolConfigFor(cfg config.DatabaseConfig) PoolConfig {
	pc := PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: 10 * time.Minute,
	}
	if cfg.Driver == "sqlite" {
		// 单写者；:memory: 库在每个连接上互不可见
		pc.MaxOpenConns, pc.MaxIdleConns = 1, 1
	}
	return pc
}

// Dialector 根据驱动名返回 GORM 方言
func Dialector(driverName, dsn string) (gorm.Dialector, error) {
	switch driverName {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q (want postgres, mysql or sqlite)", driverName)
}

// =============================================================================
// 🗄️ Pool
// =============================================================================

// Pool 持有 GORM 句柄与底层 sql.DB
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	driver string
	logger *zap.Logger
	closed atomic.Bool
}

// Open 按配置打开数据库，GORM 自身日志静默，查询耗时由上层观察
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	pool, err := New(db, cfg.Driver, poolConfigFor(cfg), logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return pool, nil
}

// New 包装已打开的 GORM 句柄并应用连接池参数
func New(db *gorm.DB, driverName string, pc PoolConfig, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pc.MaxOpenConns)
	sqlDB.SetMaxIdleConns(pc.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(pc.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(pc.ConnMaxIdleTime)

	p := &Pool{
		db:     db,
		sqlDB:  sqlDB,
		driver: driverName,
		logger: logger.With(zap.String("component", "db_pool"), zap.String("driver", driverName)),
	}
	p.logger.Info("database pool ready",
		zap.Int("max_open_conns", pc.MaxOpenConns),
		zap.Int("max_idle_conns", pc.MaxIdleConns),
	)
	return p, nil
}

// DB 返回 GORM 句柄
func (p *Pool) DB() *gorm.DB { return p.db }

// SQLDB 返回底层 sql.DB，用于 Prometheus DBStatsCollector
func (p *Pool) SQLDB() *sql.DB { return p.sqlDB }

// Driver 返回驱动名
func (p *Pool) Driver() string { return p.driver }

// Ping 检查数据库连接
func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// Close 关闭连接池，可重复调用
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("closing database pool")
	return p.sqlDB.Close()
}

// =============================================================================
// 🔄 事务
// =============================================================================

// InTx 在事务中执行 fn。遇到死锁、序列化失败或断连时最多尝试 attempts 次，
// 两次尝试之间指数退避；其余错误立即返回。
func (p *Pool) InTx(ctx context.Context, attempts int, fn func(tx *gorm.DB) error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	attempts = max(attempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := retryBaseDelay << (i - 1)
			p.logger.Warn("retrying transaction",
				zap.Int("attempt", i+1),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = p.db.WithContext(ctx).Transaction(fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
}

// 可重试的 SQLSTATE 与 MySQL 错误号
var (
	retryablePgCodes = map[string]bool{
		"40001": true, // serialization_failure
		"40P01": true, // deadlock_detected
		"55P03": true, // lock_not_available
	}
	retryableMySQLErrors = map[uint16]bool{
		1205: true, // ER_LOCK_WAIT_TIMEOUT
		1213: true, // ER_LOCK_DEADLOCK
	}
)

// IsRetryable 判断事务错误是否值得重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCodes[pgErr.Code]
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return retryableMySQLErrors[myErr.Number]
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	// sqlite 与包装过的驱动错误只剩文本可用
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"deadlock", "database is locked", "sqlstate 40001", "connection reset", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
