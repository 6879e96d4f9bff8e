package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/config"
	"github.com/BaSui01/tokenest/internal/database"
	"github.com/BaSui01/tokenest/internal/migration"
	"github.com/BaSui01/tokenest/internal/usage"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateMain returns the process exit code: 0 ok, 1 migration failed, 2 usage error
func migrateMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printMigrateUsage(stderr)
		return 2
	}

	subcommand := args[0]
	switch subcommand {
	case "up", "down", "status", "version", "info", "force":
	case "help", "-h", "--help":
		printMigrateUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage(stderr)
		return 2
	}

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database DSN (sqlite: file path)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	if cfg.Database.Driver == "" {
		fmt.Fprintln(stderr, "Database driver not configured (set database.driver or --db-type)")
		return 2
	}

	if cfg.Database.Driver == "sqlite" {
		if *dbURL != "" {
			cfg.Database.Name = *dbURL
		}
		return migrateSQLite(ctx, subcommand, cfg.Database, stdout, stderr)
	}

	migrator, err := createMigrator(cfg.Database, *dbURL)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create migrator: %v\n", err)
		return 1
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(stdout)

	if err := runMigrateSubcommand(ctx, cli, subcommand, fs.Args()); err != nil {
		fmt.Fprintf(stderr, "Migration %s failed: %v\n", subcommand, err)
		var usageErr *migrateUsageError
		if errors.As(err, &usageErr) {
			return 2
		}
		return 1
	}
	return 0
}

// migrateUsageError marks bad subcommand arguments
type migrateUsageError struct{ msg string }

func (e *migrateUsageError) Error() string { return e.msg }

func runMigrateSubcommand(ctx context.Context, cli *migration.CLI, subcommand string, args []string) error {
	switch subcommand {
	case "up":
		return cli.RunUp(ctx)
	case "down":
		return cli.RunDown(ctx)
	case "status":
		return cli.RunStatus(ctx)
	case "version":
		return cli.RunVersion(ctx)
	case "info":
		return cli.RunInfo(ctx)
	case "force":
		if len(args) != 1 {
			return &migrateUsageError{msg: "force requires exactly one version argument"}
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return &migrateUsageError{msg: fmt.Sprintf("invalid version %q", args[0])}
		}
		return cli.RunForce(ctx, version)
	}
	return &migrateUsageError{msg: "unknown subcommand " + subcommand}
}

// createMigrator 优先使用 --db-url，否则从配置生成 DSN
func createMigrator(dbCfg config.DatabaseConfig, dbURL string) (*migration.DefaultMigrator, error) {
	if dbURL == "" {
		return migration.NewMigratorFromDatabaseConfig(dbCfg)
	}
	dbType, err := migration.ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, err
	}
	return migration.NewMigrator(&migration.Config{DatabaseType: dbType, DSN: dbURL})
}

// migrateSQLite sqlite 不走版本化迁移，只支持 up（自动建表）
func migrateSQLite(ctx context.Context, subcommand string, dbCfg config.DatabaseConfig, stdout, stderr io.Writer) int {
	if subcommand != "up" {
		fmt.Fprintf(stderr, "migrate %s is not supported for sqlite: %v\n", subcommand, migration.ErrUnsupportedDatabase)
		return 2
	}

	pool, err := database.Open(dbCfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open database: %v\n", err)
		return 1
	}
	store := usage.NewStore(pool, nil)
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		fmt.Fprintf(stderr, "Migration failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "SQLite schema up to date: %s\n", dbCfg.Name)
	return 0
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  tokenest migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  info      Show migration summary
  force <v> Force set migration version (use with caution)
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <dsn>      Database DSN, sqlite file path for sqlite (default: from config)

SQLite databases only support 'up', which creates the schema directly.`)
}
