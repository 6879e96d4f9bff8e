// =============================================================================
// tokenest 主入口
// =============================================================================
// Token 估算服务与命令行工具
//
// 使用方法:
//
//	tokenest serve                         # 启动服务
//	tokenest serve --config config.yaml    # 指定配置文件
//	tokenest count --model gpt-4o "hello"  # 估算文本 token 数
//	tokenest migrate up                    # 运行数据库迁移
//	tokenest purge-cache --encoding o200k_base
//	tokenest version                       # 显示版本信息
//	tokenest health                        # 健康检查
// =============================================================================

// @title tokenest API
// @version 1.0.0
// @description Token estimation service with exact BPE counting and heuristic fallback.

// @BasePath /
// @schemes http https

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/tokenest/config"
	"github.com/BaSui01/tokenest/internal/telemetry"
	"github.com/BaSui01/tokenest/internal/tlsutil"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run 分发子命令并返回进程退出码：0 成功，1 运行失败，2 用法或配置错误
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "count":
		cmd := &countCommand{stdin: stdin, stdout: stdout, stderr: stderr}
		return cmd.run(ctx, args[1:])
	case "migrate":
		return migrateMain(ctx, args[1:], stdout, stderr)
	case "purge-cache":
		return purgeMain(ctx, args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
		return 0
	case "health":
		return runHealthCheck(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting tokenest",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv := NewServer(cfg, logger, otelProviders)

	if err := srv.Start(ctx); err != nil {
		srv.Shutdown()
		logger.Error("Failed to start server", zap.Error(err))
		return 1
	}

	srv.WaitForShutdown(ctx)

	logger.Info("tokenest stopped")
	return 0
}

// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if err := checkHealth(*addr, 5*time.Second); err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// checkHealth 请求 <addr>/health，https 地址使用 TLS 1.2+ 客户端
func checkHealth(addr string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	if strings.HasPrefix(addr, "https://") {
		client = tlsutil.HTTPClient(timeout)
	}

	resp, err := client.Get(strings.TrimSuffix(addr, "/") + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "tokenest %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `tokenest - LLM token estimation

Usage:
  tokenest <command> [options]

Commands:
  serve     Start the HTTP server
  count     Estimate tokens for text arguments, a file or stdin
  migrate   Database migration commands
  purge-cache
            Delete cached exact counts from Redis
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'count':
  --model <name>    Model or encoding name (default: gpt-4o)
  --file <path>     Read text from a file, "-" for stdin
  --lines           Treat every input line as a separate text
  --json            Print the per-item result as JSON
  --heuristic <h>   Fallback heuristic: ratio, cjk
  --bpe-dir <dir>   Load .tiktoken tables from a local directory

Options for 'purge-cache':
  --config <path>   Path to configuration file (YAML)
  --addr <host:port>
                    Redis address, overrides redis.addr
  --encoding <name> Only purge counts of one encoding (default: all)

Examples:
  tokenest serve --config /etc/tokenest/config.yaml
  tokenest count --model gpt-4 "hello world"
  cat prompt.txt | tokenest count --file - --json
  tokenest migrate up --config /etc/tokenest/config.yaml
  tokenest health --addr http://localhost:8080
  tokenest version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
