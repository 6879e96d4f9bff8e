package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/BaSui01/tokenest/config"
)

//go:embed migrations
var embedded embed.FS

const (
	defaultMigrationsTable = "schema_migrations"
	defaultLockTimeout     = 15 * time.Second
)

// ErrUnsupportedDatabase sqlite 等没有版本化迁移文件的数据库
var ErrUnsupportedDatabase = errors.New("versioned migrations are not available for this database")

// DatabaseType 迁移方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
)

// dialect 绑定一种数据库的 SQL 目录与 golang-migrate 驱动
type dialect struct {
	dir    string
	driver func(db *sql.DB, table string) (database.Driver, error)
}

var dialects = map[DatabaseType]dialect{
	DatabaseTypePostgres: {
		dir: "migrations/postgres",
		driver: func(db *sql.DB, table string) (database.Driver, error) {
			return postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
		},
	},
	DatabaseTypeMySQL: {
		dir: "migrations/mysql",
		driver: func(db *sql.DB, table string) (database.Driver, error) {
			return mysql.WithInstance(db, &mysql.Config{MigrationsTable: table})
		},
	},
}

func lookupDialect(dbType DatabaseType) (dialect, error) {
	d, ok := dialects[dbType]
	if !ok {
		return dialect{}, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, dbType)
	}
	return d, nil
}

// MigrationStatus 单个迁移版本的状态
type MigrationStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// MigrationInfo 当前 schema 概况
type MigrationInfo struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器配置
type Config struct {
	DatabaseType DatabaseType
	// DSN 与 config.DatabaseConfig.DSN 的格式一致
	DSN string
	// 为空时使用 schema_migrations
	TableName   string
	LockTimeout time.Duration
}

// Migrator 迁移器接口，CLI 只依赖它
type Migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]MigrationStatus, error)
	Info(ctx context.Context) (*MigrationInfo, error)
	Close() error
}

// DefaultMigrator 基于 golang-migrate 的实现。
// golang-migrate 的单个实例不支持并发调用，这里用互斥锁串行化。
type DefaultMigrator struct {
	dbType DatabaseType

	mu     sync.Mutex
	engine *migrate.Migrate
}

// NewMigrator 打开数据库并准备迁移引擎
func NewMigrator(cfg *Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, errors.New("migration config is required")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("migration DSN is required")
	}
	d, err := lookupDialect(cfg.DatabaseType)
	if err != nil {
		return nil, err
	}

	table := cfg.TableName
	if table == "" {
		table = defaultMigrationsTable
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	engine, err := openEngine(cfg.DatabaseType, d, cfg.DSN, table)
	if err != nil {
		return nil, fmt.Errorf("init %s migrator: %w", cfg.DatabaseType, err)
	}
	engine.LockTimeout = lockTimeout

	return &DefaultMigrator{dbType: cfg.DatabaseType, engine: engine}, nil
}

// NewMigratorFromDatabaseConfig 使用应用配置里的 database 段
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dbType, DSN: dbCfg.DSN()})
}

func openEngine(dbType DatabaseType, d dialect, dsn, table string) (*migrate.Migrate, error) {
	db, err := sql.Open(string(dbType), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	target, err := d.driver(db, table)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database driver: %w", err)
	}

	src, err := iofs.New(embedded, d.dir)
	if err != nil {
		_ = target.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}

	engine, err := migrate.NewWithInstance("iofs", src, string(dbType), target)
	if err != nil {
		_ = src.Close()
		_ = target.Close()
		return nil, err
	}
	return engine, nil
}

// run 在持锁状态下执行一次引擎操作；ctx 只在开始前检查，
// golang-migrate 自身不接受 context。
func (m *DefaultMigrator) run(ctx context.Context, fn func(*migrate.Migrate) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return errors.New("migrator is closed")
	}
	return fn(m.engine)
}

// Up 应用全部待执行迁移；没有变更不算错误
func (m *DefaultMigrator) Up(ctx context.Context) error {
	err := m.run(ctx, func(e *migrate.Migrate) error { return e.Up() })
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Down 回滚一个版本
func (m *DefaultMigrator) Down(ctx context.Context) error {
	err := m.run(ctx, func(e *migrate.Migrate) error { return e.Steps(-1) })
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Force 只改写版本记录并清除 dirty 标记
func (m *DefaultMigrator) Force(ctx context.Context, version int) error {
	if err := m.run(ctx, func(e *migrate.Migrate) error { return e.Force(version) }); err != nil {
		return fmt.Errorf("migrate force %d: %w", version, err)
	}
	return nil
}

// Version 返回当前版本；空 schema 为 0
func (m *DefaultMigrator) Version(ctx context.Context) (uint, bool, error) {
	var (
		version uint
		dirty   bool
	)
	err := m.run(ctx, func(e *migrate.Migrate) error {
		var err error
		version, dirty, err = e.Version()
		return err
	})
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

// Status 列出内嵌的每个版本及其是否已应用
func (m *DefaultMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	version, dirty, files, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return buildStatus(files, version, dirty), nil
}

// Info 汇总当前版本与待执行数量
func (m *DefaultMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	version, dirty, files, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return buildInfo(files, version, dirty), nil
}

func (m *DefaultMigrator) snapshot(ctx context.Context) (uint, bool, []MigrationFile, error) {
	version, dirty, err := m.Version(ctx)
	if err != nil {
		return 0, false, nil, err
	}
	files, err := AvailableMigrations(m.dbType)
	if err != nil {
		return 0, false, nil, err
	}
	return version, dirty, files, nil
}

// Close 释放源与数据库连接，可重复调用
func (m *DefaultMigrator) Close() error {
	m.mu.Lock()
	engine := m.engine
	m.engine = nil
	m.mu.Unlock()
	if engine == nil {
		return nil
	}
	srcErr, dbErr := engine.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		return fmt.Errorf("close migrator: %w", err)
	}
	return nil
}

// =============================================================================
// 📦 内嵌迁移文件
// =============================================================================

// MigrationFile 描述一个迁移版本
type MigrationFile struct {
	Version uint
	Name    string
}

// AvailableMigrations 按版本升序返回内嵌迁移。
// 文件名解析交给 golang-migrate 的 source 驱动，与执行时的规则一致。
func AvailableMigrations(dbType DatabaseType) ([]MigrationFile, error) {
	d, err := lookupDialect(dbType)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(embedded, d.dir)
	if err != nil {
		return nil, fmt.Errorf("read %s migrations: %w", dbType, err)
	}
	defer src.Close()

	var files []MigrationFile
	version, err := src.First()
	for err == nil {
		name, nameErr := upIdentifier(src, version)
		if nameErr != nil {
			return nil, nameErr
		}
		files = append(files, MigrationFile{Version: version, Name: name})
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s migrations: %w", dbType, err)
	}
	return files, nil
}

func upIdentifier(src source.Driver, version uint) (string, error) {
	r, name, err := src.ReadUp(version)
	if err != nil {
		return "", fmt.Errorf("read migration %d: %w", version, err)
	}
	_ = r.Close()
	return name, nil
}

func buildStatus(files []MigrationFile, current uint, dirty bool) []MigrationStatus {
	out := make([]MigrationStatus, len(files))
	for i, f := range files {
		out[i] = MigrationStatus{
			Version: f.Version,
			Name:    f.Name,
			Applied: f.Version <= current,
			Dirty:   dirty && f.Version == current,
		}
	}
	return out
}

func buildInfo(files []MigrationFile, current uint, dirty bool) *MigrationInfo {
	info := &MigrationInfo{CurrentVersion: current, Dirty: dirty, TotalMigrations: len(files)}
	for _, s := range buildStatus(files, current, dirty) {
		if s.Applied {
			info.AppliedMigrations++
		}
	}
	info.PendingMigrations = info.TotalMigrations - info.AppliedMigrations
	return info
}

// ParseDatabaseType 接受常见别名；sqlite 返回 ErrUnsupportedDatabase
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return "", fmt.Errorf("%w: sqlite uses automatic schema migration", ErrUnsupportedDatabase)
	}
	return "", fmt.Errorf("unsupported database type: %q", s)
}
