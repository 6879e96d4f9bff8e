package tokenizer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Method 表示单条文本的计数方式。
type Method string

const (
	MethodExact     Method = "exact"
	MethodHeuristic Method = "heuristic"
	MethodEmpty     Method = "empty"
)

// Reason 表示使用估算的原因。
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonRepetitive          Reason = "repetitive"
	ReasonEncodeFailed        Reason = "encode_failed"
	ReasonEncodingUnavailable Reason = "encoding_unavailable"
	ReasonItemFailed          Reason = "item_failed"
)

// ItemResult 是单条文本的计数结果。
type ItemResult struct {
	Index  int    `json:"index"`
	Tokens int    `json:"tokens"`
	Method Method `json:"method"`
	Reason Reason `json:"reason,omitempty"`
}

// Result 是一批文本的汇总结果。
type Result struct {
	Model     string       `json:"model"`
	Encoding  string       `json:"encoding"`
	Total     int          `json:"total"`
	Exact     int          `json:"exact_items"`
	Heuristic int          `json:"heuristic_items"`
	Items     []ItemResult `json:"items,omitempty"`
}

// HeuristicFunc 根据字符数估算 token 数。
type HeuristicFunc func(text, model string) int

// CJKHeuristic 使用区分 CJK 字符的估算器。
func CJKHeuristic(text, model string) int {
	n, _ := NewEstimatorTokenizer(model, 0).WithCharsPerToken(CharsPerToken(model)).CountTokens(text)
	return n
}

// Counter 对一批文本进行 token 估算：优先精确编码，必要时回退到估算，最后汇总。
type Counter struct {
	model           string
	encoding        string
	encodings       *EncodingCache
	cache           CountCache
	heuristic       HeuristicFunc
	observer        Observer
	logger          *zap.Logger
	tracer          trace.Tracer
	concurrency     int
	repeatThreshold int
}

// Option 配置 Counter。
type Option func(*Counter)

// WithEncodingCache 使用指定的编码表缓存。
func WithEncodingCache(cache *EncodingCache) Option {
	return func(c *Counter) {
		if cache != nil {
			c.encodings = cache
		}
	}
}

// WithCountCache 启用精确计数结果缓存。
func WithCountCache(cache CountCache) Option {
	return func(c *Counter) {
		c.cache = cache
	}
}

// WithHeuristic 替换估算函数。
func WithHeuristic(fn HeuristicFunc) Option {
	return func(c *Counter) {
		if fn != nil {
			c.heuristic = fn
		}
	}
}

// WithObserver 设置事件观察者。
func WithObserver(o Observer) Option {
	return func(c *Counter) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLogger 设置日志。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Counter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConcurrency 设置并发处理的最大条数，<= 0 时使用 GOMAXPROCS。
func WithConcurrency(n int) Option {
	return func(c *Counter) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRepeatThreshold 设置重复字符阈值，<= 0 时关闭重复检测。
func WithRepeatThreshold(n int) Option {
	return func(c *Counter) {
		c.repeatThreshold = n
	}
}

// NewCounter 为模型创建计数器。
func NewCounter(model string, opts ...Option) *Counter {
	c := &Counter{
		model:           model,
		encoding:        ResolveEncoding(model),
		encodings:       DefaultEncodingCache(),
		heuristic:       EstimateByCharCount,
		observer:        nopObserver{},
		logger:          zap.NewNop(),
		tracer:          otel.Tracer("tokenest/tokenizer"),
		concurrency:     runtime.GOMAXPROCS(0),
		repeatThreshold: DefaultRepeatThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "token_counter"), zap.String("model", model))
	return c
}

// Model 返回模型名称。
func (c *Counter) Model() string { return c.model }

// Encoding 返回解析出的编码名称。
func (c *Counter) Encoding() string { return c.encoding }

// Count 估算 texts 的 token 数。
// 编码表不可用时所有文本回退到估算；只有 ctx 被取消时返回错误。
func (c *Counter) Count(ctx context.Context, texts []string) (*Result, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "tokenizer.Count", trace.WithAttributes(
		attribute.String("tokenizer.model", c.model),
		attribute.String("tokenizer.encoding", c.encoding),
		attribute.Int("tokenizer.items", len(texts)),
	))
	defer span.End()

	res := &Result{
		Model:    c.model,
		Encoding: c.encoding,
		Items:    make([]ItemResult, len(texts)),
	}
	if len(texts) == 0 {
		return res, nil
	}

	enc, err := c.encodings.Get(ctx, c.encoding)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, ctxErr.Error())
			return nil, ctxErr
		}
		c.logger.Warn("encoding unavailable, falling back to heuristic",
			zap.String("encoding", c.encoding),
			zap.Error(err),
		)
		span.RecordError(err)
		enc = nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res.Items[i] = c.countItem(gctx, enc, i, text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for _, item := range res.Items {
		res.Total += item.Tokens
		switch item.Method {
		case MethodExact:
			res.Exact++
		case MethodHeuristic:
			res.Heuristic++
		}
	}

	duration := time.Since(start)
	c.observer.BatchEstimated(c.model, len(texts), res.Total, duration)
	span.SetAttributes(
		attribute.Int("tokenizer.total", res.Total),
		attribute.Int("tokenizer.heuristic_items", res.Heuristic),
	)
	c.logger.Debug("batch estimated",
		zap.Int("items", len(texts)),
		zap.Int("total", res.Total),
		zap.Int("heuristic_items", res.Heuristic),
		zap.Duration("duration", duration),
	)
	return res, nil
}

// CountText 估算单条文本，失败时返回 0。
func (c *Counter) CountText(ctx context.Context, text string) int {
	res, err := c.Count(ctx, []string{text})
	if err != nil {
		return 0
	}
	return res.Total
}

func (c *Counter) countItem(ctx context.Context, enc Encoder, idx int, text string) (item ItemResult) {
	item = ItemResult{Index: idx}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("item estimation panicked", zap.Int("index", idx), zap.Any("panic", r))
			item = ItemResult{Index: idx, Method: MethodHeuristic, Reason: ReasonItemFailed}
		}
		c.observer.ItemEstimated(c.model, item.Method, item.Reason, item.Tokens)
	}()

	switch {
	case text == "":
		item.Method = MethodEmpty
	case HasLongSequentialRepeat(text, c.repeatThreshold):
		c.estimate(&item, text, ReasonRepetitive)
	case enc == nil:
		c.estimate(&item, text, ReasonEncodingUnavailable)
	default:
		c.encode(ctx, &item, enc, text)
	}
	return item
}

func (c *Counter) encode(ctx context.Context, item *ItemResult, enc Encoder, text string) {
	var key string
	if c.cache != nil {
		key = CountCacheKey(c.encoding, text)
		if n, ok := c.cache.GetCount(ctx, key); ok {
			c.observer.CountCacheLookup(true)
			item.Method, item.Tokens = MethodExact, n
			return
		}
		c.observer.CountCacheLookup(false)
	}

	tokens, err := safeEncode(enc, text)
	if err != nil {
		c.logger.Debug("encode failed, falling back to heuristic",
			zap.Int("index", item.Index),
			zap.Error(err),
		)
		c.estimate(item, text, ReasonEncodeFailed)
		return
	}

	item.Method, item.Tokens = MethodExact, len(tokens)
	if c.cache != nil {
		c.cache.SetCount(ctx, key, item.Tokens)
	}
}

func (c *Counter) estimate(item *ItemResult, text string, reason Reason) {
	item.Method = MethodHeuristic
	item.Reason = reason
	item.Tokens = max(c.heuristic(text, c.model), 0)
}

// EstimateTokensFromStringList 使用默认编码表缓存估算 list 的 token 总数。
// 任何整体失败都返回 0。
func EstimateTokensFromStringList(ctx context.Context, list []string, model string) int {
	return estimateStringList(ctx, list, model, WithEncodingCache(DefaultEncodingCache()))
}

func estimateStringList(ctx context.Context, list []string, model string, opts ...Option) int {
	if len(list) == 0 {
		return 0
	}
	res, err := NewCounter(model, opts...).Count(ctx, list)
	if err != nil {
		return 0
	}
	return res.Total
}

// String 实现 fmt.Stringer，便于日志输出。
func (r *Result) String() string {
	return fmt.Sprintf("%s[%s] total=%d exact=%d heuristic=%d", r.Model, r.Encoding, r.Total, r.Exact, r.Heuristic)
}
