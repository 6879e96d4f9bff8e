package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/BaSui01/tokenest/config"
	"github.com/BaSui01/tokenest/internal/tlsutil"
)

// Config 单个监听端口的参数
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
	MaxConnections  int         // 0 不限制
	TLS             *tls.Config // 非 nil 时提供 HTTPS
}

// DefaultConfig 返回 API 端口的默认参数
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFromServer 把 server 配置段转换为 API 端口参数，按需加载证书
func ConfigFromServer(sc config.ServerConfig) (Config, error) {
	cfg := DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", sc.HTTPPort)
	cfg.ReadTimeout = sc.ReadTimeout
	cfg.WriteTimeout = sc.WriteTimeout
	cfg.ShutdownTimeout = sc.ShutdownTimeout
	cfg.MaxConnections = sc.MaxConnections

	if sc.TLSEnabled() {
		tlsCfg, err := tlsutil.ForServer(sc.TLSCertFile, sc.TLSKeyFile)
		if err != nil {
			return Config{}, fmt.Errorf("server tls: %w", err)
		}
		cfg.TLS = tlsCfg
	}
	return cfg, nil
}

// MetricsConfig 返回 /metrics 端口参数，超时比 API 端口短
func MetricsConfig(port int) Config {
	return Config{
		Addr:            fmt.Sprintf(":%d", port),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 5 * time.Second,
	}
}

// =============================================================================
// 🌐 Manager
// =============================================================================

type state int

const (
	stateIdle state = iota
	stateServing
	stateStopped
)

// Manager 管理一个 http.Server 的监听、运行与优雅关闭。
// 生命周期只能走一次：idle → serving → stopped。
type Manager struct {
	srv    *http.Server
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	state  state
	ln     net.Listener
	exited chan struct{} // Serve 返回后关闭
	err    error         // Serve 的非正常退出原因
}

// NewManager 创建 Manager，不监听端口
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		srv: &http.Server{
			Addr:           cfg.Addr,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			TLSConfig:      cfg.TLS,
		},
		cfg:    cfg,
		logger: logger.With(zap.String("component", "http_server")),
		exited: make(chan struct{}),
	}
}

// Start 监听端口并在后台提供服务
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateServing:
		return errors.New("server already started")
	case stateStopped:
		return errors.New("server is closed")
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	// 连接数限制在 TLS 握手之前生效
	if m.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, m.cfg.MaxConnections)
	}
	scheme := "http"
	if m.cfg.TLS != nil {
		ln = tls.NewListener(ln, m.cfg.TLS)
		scheme = "https"
	}

	m.ln, m.state = ln, stateServing
	m.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("scheme", scheme),
		zap.Int("max_connections", m.cfg.MaxConnections),
	)

	go func() {
		defer close(m.exited)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("server exited", zap.Error(err))
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
		}
	}()
	return nil
}

// Exited 在 Serve 返回后关闭，包括正常关闭
func (m *Manager) Exited() <-chan struct{} { return m.exited }

// Err 返回 Serve 的非正常退出原因
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Shutdown 停止接收新连接并等待进行中的请求，受 ShutdownTimeout 约束
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	prev := m.state
	m.state = stateStopped
	m.mu.Unlock()

	if prev != stateServing {
		return nil
	}

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}

	m.logger.Info("shutting down")
	if err := m.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown %s: %w", m.cfg.Addr, err)
	}
	<-m.exited
	m.logger.Info("stopped")
	return nil
}

// WaitForShutdown 阻塞到 SIGINT/SIGTERM、ctx 结束或服务异常退出，然后关闭
func (m *Manager) WaitForShutdown(ctx context.Context) {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		m.logger.Info("shutdown requested", zap.NamedError("cause", context.Cause(sigCtx)))
	case <-m.exited:
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown failed", zap.Error(err))
	}
}

// Addr 返回实际监听地址；未监听时返回配置地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.cfg.Addr
}

// IsRunning 是否处于服务状态
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateServing
}
