package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/internal/cache"
)

// =============================================================================
// 🧹 purge-cache 命令
// =============================================================================

// purgeMain 删除 Redis 中的精确计数，更换 .tiktoken 编码表后使用。
// 返回值：0 成功，1 执行失败，2 用法错误。
func purgeMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("purge-cache", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	addr := fs.String("addr", "", "Redis address, overrides redis.addr")
	encoding := fs.String("encoding", "", "Only purge counts of this encoding")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cacheCfg := cacheConfig(cfg.Redis)
	cacheCfg.HealthCheckInterval = 0
	if *addr != "" {
		cacheCfg.Addr = *addr
	}

	mgr, err := cache.NewManager(cacheCfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(stderr, "purge-cache: %v\n", err)
		return 1
	}
	defer mgr.Close()

	removed, err := mgr.Purge(ctx, *encoding)
	if err != nil {
		fmt.Fprintf(stderr, "purge-cache: %v\n", err)
		return 1
	}

	scope := "all encodings"
	if *encoding != "" {
		scope = *encoding
	}
	fmt.Fprintf(stdout, "Removed %d cached counts (%s)\n", removed, scope)
	return 0
}
