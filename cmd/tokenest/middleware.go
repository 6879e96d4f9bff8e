package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/tokenest/api/handlers"
	"github.com/BaSui01/tokenest/config"
	"github.com/BaSui01/tokenest/internal/metrics"
	"github.com/BaSui01/tokenest/internal/usage"
	"github.com/BaSui01/tokenest/types"
)

// maxRequestIDLen 客户端传入的请求 ID 超过该长度时重新生成
const maxRequestIDLen = usage.MaxRequestIDLen

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个中间件在最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					handlers.WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 为每个请求生成 X-Request-ID（保留客户端传入的合法值），写入响应头与 context
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(handlers.RequestIDHeader)
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			w.Header().Set(handlers.RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), id)))
		})
	}
}

// SecurityHeaders adds common security response headers to every request.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			requestID, _ := types.RequestID(r.Context())
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Int("bytes", rw.BytesWritten),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", requestID),
			}
			if rw.StatusCode >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

// =============================================================================
// 📊 Metrics
// =============================================================================

// MetricsMiddleware records HTTP request duration, status, and sizes.
// Path labels are normalized to keep Prometheus label cardinality bounded.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			collector.RecordHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				rw.StatusCode,
				time.Since(start),
				requestSize,
				int64(rw.BytesWritten),
			)
		})
	}
}

// knownRoutes 已注册的静态路由
var knownRoutes = map[string]struct{}{
	"/health":             {},
	"/healthz":            {},
	"/ready":              {},
	"/readyz":             {},
	"/version":            {},
	"/v1/tokens/estimate": {},
	"/v1/encodings":       {},
	"/v1/usage":           {},
	"/v1/usage/recent":    {},
}

// normalizePath 已注册路由原样返回，其余一律归为 "unmatched"，
// 保证指标标签与 span 名称的取值有限
func normalizePath(path string) string {
	if _, ok := knownRoutes[path]; ok {
		return path
	}
	return "unmatched"
}

// =============================================================================
// 🔭 OTelTracing
// =============================================================================

// OTelTracing creates a server span for each HTTP request using the global tracer.
// Incoming trace context is extracted from request headers.
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := normalizePath(r.URL.Path)
			ctx, span := otel.Tracer("tokenest/http").Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
				),
			)
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// =============================================================================
// 🔐 认证
// =============================================================================

// authenticator 按顺序尝试 API Key 与 HS256 JWT，返回写入账本的认证主体
type authenticator struct {
	keys       [][]byte
	allowQuery bool
	parser     *jwt.Parser
	secret     []byte
}

var (
	errNoCredentials = errors.New("missing credentials")
	errBadAPIKey     = errors.New("invalid API key")
)

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	a := &authenticator{allowQuery: cfg.AllowQueryAPIKey}
	for _, k := range cfg.APIKeys {
		a.keys = append(a.keys, []byte(k))
	}
	if cfg.JWTSecret == "" {
		return a
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.JWTAudience))
	}
	a.parser = jwt.NewParser(opts...)
	a.secret = []byte(cfg.JWTSecret)
	return a
}

// subject 返回 "apikey:****abcd" 或 "jwt:<sub>"
func (a *authenticator) subject(r *http.Request) (string, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" && a.allowQuery {
		key = r.URL.Query().Get("api_key")
	}
	if key != "" {
		if !a.matchKey([]byte(key)) {
			return "", errBadAPIKey
		}
		return "apikey:" + maskKey(key), nil
	}

	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || a.parser == nil {
		return "", errNoCredentials
	}
	return a.verifyJWT(bearer)
}

// matchKey 遍历全部密钥，耗时与匹配位置无关
func (a *authenticator) matchKey(key []byte) bool {
	hit := 0
	for _, k := range a.keys {
		hit |= subtle.ConstantTimeCompare(k, key)
	}
	return hit == 1
}

func (a *authenticator) verifyJWT(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid or expired token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid or expired token")
	}
	if claims.Subject == "" {
		return "jwt", nil
	}
	return "jwt:" + claims.Subject, nil
}

// maskKey 仅保留末 4 位
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// Auth 认证中间件：X-API-Key（可选 query 参数 api_key）或 Authorization: Bearer JWT。
// 认证主体写入 context 供用量账本记录；skipPaths 与 OPTIONS 请求直接放行。
func Auth(cfg config.AuthConfig, skipPaths []string, logger *zap.Logger) Middleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	authn := newAuthenticator(cfg)

	return func(next http.Handler) http.Handler {
		if !cfg.AuthEnabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := authn.subject(r)
			if err != nil {
				logger.Debug("authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
				writeUnauthorized(w, unauthorizedMessage(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(types.WithSubject(r.Context(), subject)))
		})
	}
}

// unauthorizedMessage 不把 JWT 解析细节回显给客户端
func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, errNoCredentials), errors.Is(err, errBadAPIKey):
		return err.Error()
	default:
		return "invalid or expired token"
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="tokenest"`)
	handlers.WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, message, nil)
}

// =============================================================================
// 🚦 按 IP 限流
// =============================================================================

const (
	visitorIdleTTL   = 3 * time.Minute
	visitorSweepTick = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter 每个客户端 IP 一个令牌桶，空闲超过 visitorIdleTTL 的桶被回收
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{
		limit:    rate.Limit(rps),
		burst:    max(burst, 1),
		visitors: make(map[string]*visitor),
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// sweep 返回回收的桶数
func (l *ipLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorIdleTTL {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}

func (l *ipLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(visitorSweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// RateLimiter 按 IP 限流；rps <= 0 时不限流。ctx 取消后停止后台回收。
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newIPLimiter(rps, burst)
	go limiter.run(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.allow(ip, time.Now()) {
				logger.Debug("rate limited", zap.String("ip", ip))
				w.Header().Set("Retry-After", "1")
				handlers.WriteError(w, types.NewError(types.ErrRateLimited, "too many requests").WithRetryable(true), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// BodyLimit / CORS / NotFound
// =============================================================================

// BodyLimit 限制请求体大小；maxBytes <= 0 时不限制
func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				handlers.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, types.ErrPayloadTooLarge,
					fmt.Sprintf("request body exceeds %d bytes", maxBytes), nil)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS 跨域中间件。allowedOrigins 为空时不设置 CORS 头，跨域预检返回 403。
// "*" 允许任意来源。
func CORS(allowedOrigins []string) Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	_, allowAll := originSet["*"]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			_, allowed := originSet[origin]
			if !allowed && !allowAll {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// notFound 未注册路由统一返回 JSON 404
func notFound(w http.ResponseWriter, r *http.Request) {
	handlers.WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound,
		fmt.Sprintf("route %s not found", r.URL.Path), nil)
}
