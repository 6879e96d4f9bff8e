package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/tokenest/api"
)

// readyTimeout 一次就绪探测中全部检查共享的超时
const readyTimeout = 5 * time.Second

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	checkPass       = "pass"
	checkFail       = "fail"
)

// HealthCheck 就绪检查项（Redis、账本数据库）
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus /health 与 /ready 的响应体
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler 提供存活、就绪和版本端点
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger.With(zap.String("handler", "health"))}
}

// RegisterCheck 可在服务运行中调用
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, check)
	h.mu.Unlock()
}

func (h *HealthHandler) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HealthCheck(nil), h.checks...)
}

// HandleHealth 存活探测，不运行依赖检查
// @Summary 健康检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: statusHealthy, Timestamp: time.Now().UTC()})
}

// HandleReady 并发运行全部检查，任一失败返回 503
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus
// @Failure 503 {object} HealthStatus
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := h.snapshot()
	results := h.runChecks(ctx, checks)

	body := HealthStatus{
		Status:    statusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		body.Checks[c.Name()] = results[i]
		if results[i].Status == checkFail {
			body.Status = statusUnhealthy
		}
	}

	code := http.StatusOK
	if body.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, body)
}

// runChecks 结果与 checks 下标一一对应
func (h *HealthHandler) runChecks(ctx context.Context, checks []HealthCheck) []CheckResult {
	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = h.runOne(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *HealthHandler) runOne(ctx context.Context, c HealthCheck) CheckResult {
	start := time.Now()
	err := c.Check(ctx)
	elapsed := time.Since(start)

	if err == nil {
		return CheckResult{Status: checkPass, Latency: elapsed.String()}
	}
	h.logger.Warn("readiness check failed",
		zap.String("check", c.Name()),
		zap.Duration("latency", elapsed),
		zap.Error(err),
	)
	return CheckResult{Status: checkFail, Message: err.Error(), Latency: elapsed.String()}
}

// HandleVersion 返回构建信息
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} Response
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := api.VersionResponse{Version: version, BuildTime: buildTime, GitCommit: gitCommit}
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteSuccess(w, info)
	}
}

// PingCheck 把一个 ping 函数包装成 HealthCheck
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (c *PingCheck) Name() string { return c.name }

func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }
