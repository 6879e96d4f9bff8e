package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 为 tokenest migrate 子命令提供格式化输出
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 替换输出
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// RunUp 应用全部待执行迁移
func (c *CLI) RunUp(ctx context.Context) error {
	return c.apply(ctx, "up", "Applying usage ledger migrations", c.migrator.Up)
}

// RunDown 回滚最后一个迁移
func (c *CLI) RunDown(ctx context.Context) error {
	return c.apply(ctx, "down", "Rolling back the latest usage ledger migration", c.migrator.Down)
}

// RunForce 强制设置版本，不执行 SQL；用于修复 dirty 状态
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if version < 0 {
		return fmt.Errorf("force: version must not be negative, got %d", version)
	}
	return c.apply(ctx, "force", fmt.Sprintf("Forcing schema version to %d", version), func(ctx context.Context) error {
		return c.migrator.Force(ctx, version)
	})
}

// apply 执行一次变更，然后输出变更后的版本
func (c *CLI) apply(ctx context.Context, op, banner string, fn func(context.Context) error) error {
	fmt.Fprintf(c.output, "%s...\n", banner)
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("%s: read schema state: %w", op, err)
	}
	fmt.Fprintf(c.output, "Done. Schema version: %s\n", versionLabel(info.CurrentVersion, info.Dirty))
	return nil
}

// RunVersion 输出当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	fmt.Fprintf(c.output, "Schema version: %s\n", versionLabel(version, dirty))
	return nil
}

// RunStatus 以表格列出每个迁移文件的状态
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migration files embedded for this database.")
		return nil
	}

	tw := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE")
	pending := 0
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		default:
			pending++
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(c.output, "\n%d of %d migrations pending\n", pending, len(statuses))
	return nil
}

// RunInfo 输出迁移汇总
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}

	tw := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "schema version:\t%s\n", versionLabel(info.CurrentVersion, info.Dirty))
	fmt.Fprintf(tw, "embedded migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(tw, "applied:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(tw, "pending:\t%d\n", info.PendingMigrations)
	return tw.Flush()
}

func versionLabel(version uint, dirty bool) string {
	switch {
	case version == 0 && !dirty:
		return "none (empty schema)"
	case dirty:
		return fmt.Sprintf("%d (dirty, run 'migrate force %d' after fixing)", version, version)
	default:
		return fmt.Sprintf("%d", version)
	}
}
