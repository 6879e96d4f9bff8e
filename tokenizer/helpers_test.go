package tokenizer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeEncoder 以空白切分文本，每个字段算一个 token；
// 与 tiktoken-go 一样在遇到被禁止的特殊 token 时 panic。
type fakeEncoder struct{}

func (fakeEncoder) Encode(text string, _ []string, disallowedSpecial []string) []int {
	if len(disallowedSpecial) > 0 && strings.Contains(text, "<|endoftext|>") {
		panic("text contains disallowed special token <|endoftext|>")
	}
	fields := strings.Fields(text)
	ids := make([]int, len(fields))
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func (fakeEncoder) Decode(tokens []int) string {
	return strings.TrimSpace(strings.Repeat("tok ", len(tokens)))
}

func fakeLoader(string) (Encoder, error) {
	return fakeEncoder{}, nil
}

func failingLoader(string) (Encoder, error) {
	return nil, errors.New("network unreachable")
}

// guardEncoder 按空白分词；收到超过阈值的重复字符文本时直接判定测试失败
type guardEncoder struct {
	t         *testing.T
	threshold int
}

func (g guardEncoder) Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int {
	if HasLongSequentialRepeat(text, g.threshold) {
		g.t.Errorf("encoder received repetitive text of %d bytes", len(text))
	}
	return fakeEncoder{}.Encode(text, allowedSpecial, disallowedSpecial)
}

func (guardEncoder) Decode([]int) string { return "" }

func newFakeCache() *EncodingCache {
	return NewEncodingCache(WithLoadFunc(fakeLoader))
}

// countingLoader 统计加载次数，并在加载期间短暂阻塞以暴露并发问题。
type countingLoader struct {
	calls atomic.Int32
	delay time.Duration
	fail  atomic.Bool
}

func (l *countingLoader) load(string) (Encoder, error) {
	l.calls.Add(1)
	time.Sleep(l.delay)
	if l.fail.Load() {
		return nil, errors.New("load failed")
	}
	return fakeEncoder{}, nil
}

type recordingObserver struct {
	mu         sync.Mutex
	loads      map[string]int
	loadErrors int
	methods    map[Method]int
	reasons    map[Reason]int
	batches    int
	hits       int
	misses     int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		loads:   make(map[string]int),
		methods: make(map[Method]int),
		reasons: make(map[Reason]int),
	}
}

func (o *recordingObserver) EncodingLoaded(encoding string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.loadErrors++
		return
	}
	o.loads[encoding]++
}

func (o *recordingObserver) ItemEstimated(_ string, method Method, reason Reason, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.methods[method]++
	if reason != ReasonNone {
		o.reasons[reason]++
	}
}

func (o *recordingObserver) BatchEstimated(string, int, int, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches++
}

func (o *recordingObserver) CountCacheLookup(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

type mapCountCache struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMapCountCache() *mapCountCache {
	return &mapCountCache{counts: make(map[string]int)}
}

func (m *mapCountCache) GetCount(_ context.Context, key string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.counts[key]
	return n, ok
}

func (m *mapCountCache) SetCount(_ context.Context, key string, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key] = tokens
}
