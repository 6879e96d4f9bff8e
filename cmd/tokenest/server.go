package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/api/handlers"
	"github.com/BaSui01/tokenest/config"
	"github.com/BaSui01/tokenest/internal/cache"
	"github.com/BaSui01/tokenest/internal/database"
	"github.com/BaSui01/tokenest/internal/metrics"
	"github.com/BaSui01/tokenest/internal/server"
	"github.com/BaSui01/tokenest/internal/telemetry"
	"github.com/BaSui01/tokenest/internal/usage"
	"github.com/BaSui01/tokenest/tokenizer"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 tokenest 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler   *handlers.HealthHandler
	estimateHandler *handlers.EstimateHandler
	usageHandler    *handlers.UsageHandler

	// 指标
	registry         *prometheus.Registry
	metricsCollector *metrics.Collector
	otelProviders    *telemetry.Providers
	observer         tokenizer.Observer

	// 估算组件
	loadFunc   tokenizer.LoadFunc
	encodings  *tokenizer.EncodingCache
	countCache *cache.Manager
	store      *usage.Store

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// ServerOption 配置 Server
type ServerOption func(*Server)

// WithEncodingLoader 替换编码表加载函数
func WithEncodingLoader(fn tokenizer.LoadFunc) ServerOption {
	return func(s *Server) { s.loadFunc = fn }
}

// NewServer 创建新的服务器实例；otelProviders 可以为 nil
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers, opts ...ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化组件并启动所有服务
func (s *Server) Start(ctx context.Context) error {
	// 1. 初始化组件
	if err := s.init(ctx); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 2. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 3. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("tls", s.cfg.Server.TLSEnabled()),
	)
	return nil
}

// init 初始化指标、编码表缓存、计数缓存、用量账本与 handlers
func (s *Server) init(ctx context.Context) error {
	s.initMetrics()

	if err := s.initEncodings(ctx); err != nil {
		return err
	}
	s.initCountCache()
	if err := s.initLedger(ctx); err != nil {
		return err
	}
	s.initHandlers()
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initMetrics 创建独立的 Prometheus registry 与 OTel 观察者
func (s *Server) initMetrics() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metricsCollector = metrics.NewCollectorWith(s.registry, "tokenest", s.logger)

	otelObserver, err := telemetry.NewObserver(nil)
	if err != nil {
		s.logger.Warn("OTel observer unavailable", zap.Error(err))
		s.observer = s.metricsCollector
		return
	}
	s.observer = tokenizer.MultiObserver(s.metricsCollector, otelObserver)
}

// initEncodings 创建编码表缓存并预加载配置的编码
func (s *Server) initEncodings(ctx context.Context) error {
	tc := s.cfg.Tokenizer
	if tc.BPEDir != "" {
		tokenizer.UseDirLoader(tc.BPEDir)
		s.logger.Info("Using local BPE directory", zap.String("dir", tc.BPEDir))
	}

	s.encodings = tokenizer.NewEncodingCache(
		tokenizer.WithLoadFunc(s.loadFunc),
		tokenizer.WithCacheObserver(s.observer),
		tokenizer.WithCacheLogger(s.logger),
	)
	tokenizer.RegisterOpenAITokenizers(s.encodings)

	for _, name := range tc.Preload {
		encoding := tokenizer.ResolveEncoding(name)
		if _, err := s.encodings.Get(ctx, encoding); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 加载失败不缓存，首个请求会重试
			s.logger.Warn("Encoding preload failed",
				zap.String("encoding", encoding),
				zap.Error(err),
			)
		}
	}
	return nil
}

// initCountCache 连接 Redis 计数缓存；不可用时降级为无缓存
func (s *Server) initCountCache() {
	rc := s.cfg.Redis
	if !rc.Enabled {
		return
	}

	mgr, err := cache.NewManager(cacheConfig(rc), s.logger)
	if err != nil {
		s.logger.Warn("Redis not available, count cache disabled", zap.Error(err))
		return
	}
	s.countCache = mgr
}

// cacheConfig 把 redis 配置段映射为计数缓存配置
func cacheConfig(rc config.RedisConfig) cache.Config {
	cfg := cache.DefaultConfig()
	cfg.Addr = rc.Addr
	cfg.Password = rc.Password
	cfg.DB = rc.DB
	cfg.PoolSize = rc.PoolSize
	cfg.MinIdleConns = rc.MinIdleConns
	cfg.TTL = rc.TTL
	cfg.TLS = rc.TLS
	return cfg
}

// initLedger 打开用量账本；未配置数据库时跳过
func (s *Server) initLedger(ctx context.Context) error {
	dc := s.cfg.Database
	if dc.Driver == "" {
		s.logger.Info("Database driver not configured, usage ledger disabled")
		return nil
	}

	pool, err := database.Open(dc, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open usage ledger: %w", err)
	}
	store := usage.NewStore(pool, s.logger, usage.WithQueryObserver(s.metricsCollector))

	if dc.AutoMigrate || dc.Driver == "sqlite" {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return err
		}
	}

	if err := s.registry.Register(collectors.NewDBStatsCollector(pool.SQLDB(), dc.Driver)); err != nil {
		s.logger.Warn("failed to register database pool metrics", zap.Error(err))
	}

	s.store = store
	s.logger.Info("Usage ledger ready", zap.String("driver", dc.Driver))
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.countCache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.countCache.Ping))
	}

	var (
		recorder handlers.UsageRecorder
		reader   handlers.UsageReader
	)
	if s.store != nil {
		recorder, reader = s.store, s.store
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.store.Ping))
	}

	s.estimateHandler = handlers.NewEstimateHandler(s.newCounter, s.encodings, recorder, handlers.EstimateConfig{
		DefaultModel: s.cfg.Tokenizer.DefaultModel,
		MaxTexts:     s.cfg.Tokenizer.MaxTexts,
		Timeout:      s.cfg.Tokenizer.RequestTimeout,
	}, s.logger)
	s.usageHandler = handlers.NewUsageHandler(reader, s.logger)

	s.logger.Info("Handlers initialized",
		zap.Bool("count_cache", s.countCache != nil),
		zap.Bool("usage_ledger", s.store != nil),
	)
}

// newCounter 按配置为模型创建 Counter
func (s *Server) newCounter(model string) *tokenizer.Counter {
	tc := s.cfg.Tokenizer
	opts := []tokenizer.Option{
		tokenizer.WithEncodingCache(s.encodings),
		tokenizer.WithObserver(s.observer),
		tokenizer.WithLogger(s.logger),
		tokenizer.WithConcurrency(tc.Concurrency),
		tokenizer.WithRepeatThreshold(tc.RepeatThreshold),
	}
	if tc.Heuristic == config.HeuristicCJK {
		opts = append(opts, tokenizer.WithHeuristic(tokenizer.CJKHeuristic))
	}
	if s.countCache != nil {
		opts = append(opts, tokenizer.WithCountCache(s.countCache))
	}
	return tokenizer.NewCounter(model, opts...)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// Handler 返回带完整中间件链的 API handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// API 路由
	mux.HandleFunc("/v1/tokens/estimate", s.estimateHandler.HandleEstimate)
	mux.HandleFunc("/v1/encodings", s.estimateHandler.HandleEncodings)
	mux.HandleFunc("/v1/usage", s.usageHandler.HandleUsage)
	mux.HandleFunc("/v1/usage/recent", s.usageHandler.HandleRecent)
	mux.HandleFunc("/", notFound)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	s.rateLimiterCancel = cancel

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.AllowedOrigins),
		BodyLimit(s.cfg.Server.MaxBodyBytes),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		Auth(s.cfg.Auth, skipAuthPaths, s.logger),
	)
}

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer() error {
	serverCfg, err := server.ConfigFromServer(s.cfg.Server)
	if err != nil {
		return err
	}

	s.httpManager = server.NewManager(s.Handler(), serverCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// MetricsHandler 返回 Prometheus 指标 handler
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// startMetricsServer 启动 Metrics 服务器；端口为 0 时跳过
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.MetricsHandler())

	s.metricsManager = server.NewManager(mux, server.MetricsConfig(s.cfg.Server.MetricsPort), s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.String("addr", s.metricsManager.Addr()))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) {
	s.httpManager.WaitForShutdown(ctx)
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.httpManager != nil && s.httpManager.IsRunning() {
		errs = append(errs, s.httpManager.Shutdown(ctx))
	}
	if s.metricsManager != nil {
		errs = append(errs, s.metricsManager.Shutdown(ctx))
	}
	if s.countCache != nil {
		errs = append(errs, s.countCache.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.otelProviders != nil {
		errs = append(errs, s.otelProviders.Shutdown(ctx))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Shutdown finished with errors", zap.Error(err))
		return
	}
	s.logger.Info("Graceful shutdown completed")
}
