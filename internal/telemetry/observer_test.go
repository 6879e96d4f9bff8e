package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/BaSui01/tokenest/tokenizer"
)

func newTestObserver(t *testing.T) (*Observer, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	obs, err := NewObserver(provider)
	require.NoError(t, err)
	return obs, reader
}

// sumOf 汇总指定 Int64 counter 的所有数据点。
func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestObserver_ItemEstimated(t *testing.T) {
	obs, reader := newTestObserver(t)

	obs.ItemEstimated("gpt-4o", tokenizer.MethodExact, tokenizer.ReasonNone, 12)
	obs.ItemEstimated("gpt-4o", tokenizer.MethodHeuristic, tokenizer.ReasonRepetitive, 30)

	assert.Equal(t, int64(42), sumOf(t, reader, "tokenest.tokens"))
	assert.Equal(t, int64(2), sumOf(t, reader, "tokenest.items"))
	assert.Equal(t, int64(1), sumOf(t, reader, "tokenest.heuristic_fallbacks"))
}

// dataPoints 返回指定 Int64 counter 的数据点（即属性组合）数量。
func dataPoints(t *testing.T, reader *sdkmetric.ManualReader, name string) int {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok, "metric %s is not an int64 sum", name)
				return len(sum.DataPoints)
			}
		}
	}
	return 0
}

func TestObserver_ModelAttributeIsBounded(t *testing.T) {
	obs, reader := newTestObserver(t)

	for i := 0; i < 50; i++ {
		obs.ItemEstimated(fmt.Sprintf("model-%d", i), tokenizer.MethodExact, tokenizer.ReasonNone, 1)
		obs.ItemEstimated(fmt.Sprintf("gpt-4-%d", i), tokenizer.MethodExact, tokenizer.ReasonNone, 1)
	}
	obs.EncodingLoaded("not-an-encoding", time.Millisecond, nil)

	// other + cl100k_base
	assert.Equal(t, 2, dataPoints(t, reader, "tokenest.items"))
	assert.Equal(t, int64(100), sumOf(t, reader, "tokenest.items"))
	assert.Equal(t, 1, dataPoints(t, reader, "tokenest.encoding.loads"))
}

func TestObserver_EncodingAndCache(t *testing.T) {
	obs, reader := newTestObserver(t)

	obs.EncodingLoaded(tokenizer.EncodingCL100K, time.Millisecond, nil)
	obs.EncodingLoaded(tokenizer.EncodingO200K, time.Millisecond, errors.New("offline"))
	obs.CountCacheLookup(true)
	obs.CountCacheLookup(false)
	obs.CountCacheLookup(false)

	assert.Equal(t, int64(2), sumOf(t, reader, "tokenest.encoding.loads"))
	assert.Equal(t, int64(3), sumOf(t, reader, "tokenest.count_cache.lookups"))
}

func TestObserver_BatchDuration(t *testing.T) {
	obs, reader := newTestObserver(t)

	obs.BatchEstimated("gpt-4o", 3, 10, 250*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "tokenest.batch.duration" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			require.Len(t, hist.DataPoints, 1)
			assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
			assert.InDelta(t, 0.25, hist.DataPoints[0].Sum, 1e-9)
			found = true
		}
	}
	assert.True(t, found)
}

func TestObserver_WithCounter(t *testing.T) {
	obs, reader := newTestObserver(t)

	encodings := tokenizer.NewEncodingCache(tokenizer.WithLoadFunc(func(string) (tokenizer.Encoder, error) {
		return nil, errors.New("no network")
	}))
	counter := tokenizer.NewCounter("gpt-4o",
		tokenizer.WithEncodingCache(encodings),
		tokenizer.WithObserver(obs),
	)

	res, err := counter.Count(context.Background(), []string{"hello world", ""})
	require.NoError(t, err)

	assert.Equal(t, int64(2), sumOf(t, reader, "tokenest.items"))
	assert.Equal(t, int64(res.Total), sumOf(t, reader, "tokenest.tokens"))
	assert.Equal(t, int64(1), sumOf(t, reader, "tokenest.heuristic_fallbacks"))
}

func TestNewObserver_GlobalProvider(t *testing.T) {
	obs, err := NewObserver(nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		obs.ItemEstimated("gpt-4o", tokenizer.MethodExact, tokenizer.ReasonNone, 1)
		obs.CountCacheLookup(true)
	})
}
