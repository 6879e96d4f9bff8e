// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/tokenizer"
)


// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 tokenizer.Observer
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 估算指标
	tokensEstimated    *prometheus.CounterVec
	itemsEstimated     *prometheus.CounterVec
	heuristicFallbacks *prometheus.CounterVec
	estimationDuration *prometheus.HistogramVec
	batchSize          *prometheus.HistogramVec

	// 编码表指标
	encodingLoads        *prometheus.CounterVec
	encodingLoadDuration *prometheus.HistogramVec

	// 计数缓存指标
	countCacheHits   prometheus.Counter
	countCacheMisses prometheus.Counter

	// 数据库指标
	dbQueryDuration *prometheus.HistogramVec

	logger *zap.Logger
}

var _ tokenizer.Observer = (*Collector)(nil)

// NewCollector 创建指标收集器，注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建指标收集器，注册到指定 Registerer
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}
	factory := promauto.With(reg)

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 估算指标
	c.tokensEstimated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_estimated_total",
			Help:      "Total number of tokens estimated",
		},
		[]string{"model", "method"}, // method: exact, heuristic, empty
	)

	c.itemsEstimated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimation_items_total",
			Help:      "Total number of texts estimated",
		},
		[]string{"model", "method"},
	)

	c.heuristicFallbacks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heuristic_fallbacks_total",
			Help:      "Total number of texts estimated by character heuristic",
		},
		[]string{"model", "reason"},
	)

	c.estimationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "estimation_duration_seconds",
			Help:      "Batch estimation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"model"},
	)

	c.batchSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "estimation_batch_size",
			Help:      "Number of texts per estimation batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
		},
		[]string{"model"},
	)

	// 编码表指标
	c.encodingLoads = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoding_loads_total",
			Help:      "Total number of BPE encoding loads",
		},
		[]string{"encoding", "status"},
	)

	c.encodingLoadDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "encoding_load_duration_seconds",
			Help:      "BPE encoding load duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"encoding"},
	)

	// 计数缓存指标
	c.countCacheHits = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "count_cache_hits_total",
			Help:      "Total number of token count cache hits",
		},
	)

	c.countCacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "count_cache_misses_total",
			Help:      "Total number of token count cache misses",
		},
	)

	// 数据库指标
	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔢 估算指标记录（tokenizer.Observer）
// =============================================================================

// EncodingLoaded 记录编码表加载
func (c *Collector) EncodingLoaded(encoding string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	encoding = tokenizer.EncodingLabel(encoding)
	c.encodingLoads.WithLabelValues(encoding, status).Inc()
	c.encodingLoadDuration.WithLabelValues(encoding).Observe(duration.Seconds())
}

// ItemEstimated 记录单条文本的估算结果
func (c *Collector) ItemEstimated(model string, method tokenizer.Method, reason tokenizer.Reason, tokens int) {
	model = tokenizer.ModelLabel(model)
	c.itemsEstimated.WithLabelValues(model, string(method)).Inc()
	c.tokensEstimated.WithLabelValues(model, string(method)).Add(float64(tokens))
	if method == tokenizer.MethodHeuristic {
		c.heuristicFallbacks.WithLabelValues(model, string(reason)).Inc()
	}
}

// BatchEstimated 记录一批文本的估算耗时
func (c *Collector) BatchEstimated(model string, items, _ int, duration time.Duration) {
	model = tokenizer.ModelLabel(model)
	c.estimationDuration.WithLabelValues(model).Observe(duration.Seconds())
	c.batchSize.WithLabelValues(model).Observe(float64(items))
}

// CountCacheLookup 记录计数缓存命中情况
func (c *Collector) CountCacheLookup(hit bool) {
	if hit {
		c.countCacheHits.Inc()
		return
	}
	c.countCacheMisses.Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
