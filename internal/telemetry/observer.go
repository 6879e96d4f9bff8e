package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/tokenest/tokenizer"
)

const meterName = "github.com/BaSui01/tokenest"

// Observer 将估算事件记录为 OTel 指标，与 Prometheus Collector 并行使用。
type Observer struct {
	tokens        metric.Int64Counter
	items         metric.Int64Counter
	fallbacks     metric.Int64Counter
	batchDuration metric.Float64Histogram
	encodingLoads metric.Int64Counter
	cacheLookups  metric.Int64Counter
}

var _ tokenizer.Observer = (*Observer)(nil)

// NewObserver 在 provider 上创建估算指标；provider 为 nil 时使用全局 MeterProvider。
func NewObserver(provider metric.MeterProvider) (*Observer, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	o := &Observer{}
	var err error
	if o.tokens, err = meter.Int64Counter("tokenest.tokens",
		metric.WithDescription("Tokens estimated"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, fmt.Errorf("create tokens counter: %w", err)
	}
	if o.items, err = meter.Int64Counter("tokenest.items",
		metric.WithDescription("Texts estimated"),
	); err != nil {
		return nil, fmt.Errorf("create items counter: %w", err)
	}
	if o.fallbacks, err = meter.Int64Counter("tokenest.heuristic_fallbacks",
		metric.WithDescription("Texts estimated by character heuristic"),
	); err != nil {
		return nil, fmt.Errorf("create fallbacks counter: %w", err)
	}
	if o.batchDuration, err = meter.Float64Histogram("tokenest.batch.duration",
		metric.WithDescription("Batch estimation duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if o.encodingLoads, err = meter.Int64Counter("tokenest.encoding.loads",
		metric.WithDescription("BPE encoding loads"),
	); err != nil {
		return nil, fmt.Errorf("create encoding loads counter: %w", err)
	}
	if o.cacheLookups, err = meter.Int64Counter("tokenest.count_cache.lookups",
		metric.WithDescription("Token count cache lookups"),
	); err != nil {
		return nil, fmt.Errorf("create cache lookups counter: %w", err)
	}
	return o, nil
}

// EncodingLoaded implements tokenizer.Observer.
func (o *Observer) EncodingLoaded(encoding string, _ time.Duration, err error) {
	o.encodingLoads.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("encoding", tokenizer.EncodingLabel(encoding)),
		attribute.Bool("success", err == nil),
	))
}

// ItemEstimated implements tokenizer.Observer.
func (o *Observer) ItemEstimated(model string, method tokenizer.Method, reason tokenizer.Reason, tokens int) {
	ctx := context.Background()
	model = tokenizer.ModelLabel(model)
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("method", string(method)),
	)
	o.items.Add(ctx, 1, attrs)
	o.tokens.Add(ctx, int64(tokens), attrs)
	if method == tokenizer.MethodHeuristic {
		o.fallbacks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("reason", string(reason)),
		))
	}
}

// BatchEstimated implements tokenizer.Observer.
func (o *Observer) BatchEstimated(model string, _ int, _ int, duration time.Duration) {
	o.batchDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.String("model", tokenizer.ModelLabel(model))))
}

// CountCacheLookup implements tokenizer.Observer.
func (o *Observer) CountCacheLookup(hit bool) {
	o.cacheLookups.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("hit", hit)))
}
