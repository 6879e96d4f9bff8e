package tokenizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Observer 接收估算过程中的事件，用于指标采集。
// 实现必须是并发安全的。
type Observer interface {
	EncodingLoaded(encoding string, duration time.Duration, err error)
	ItemEstimated(model string, method Method, reason Reason, tokens int)
	BatchEstimated(model string, items, total int, duration time.Duration)
	CountCacheLookup(hit bool)
}

type nopObserver struct{}

func (nopObserver) EncodingLoaded(string, time.Duration, error)    {}
func (nopObserver) ItemEstimated(string, Method, Reason, int)      {}
func (nopObserver) BatchEstimated(string, int, int, time.Duration) {}
func (nopObserver) CountCacheLookup(bool)                          {}

// CountCache 缓存精确计数结果。实现失败时应表现为未命中，不影响估算。
type CountCache interface {
	GetCount(ctx context.Context, key string) (int, bool)
	SetCount(ctx context.Context, key string, tokens int)
}

// CountCacheKeyPrefix 是所有计数缓存键的公共前缀。
const CountCacheKeyPrefix = "tokenest:count:"

// CountCacheKey 返回编码与文本对应的缓存键。
func CountCacheKey(encoding, text string) string {
	sum := sha256.Sum256([]byte(text))
	return CountCacheKeyPrefix + encoding + ":" + hex.EncodeToString(sum[:])
}

// MultiObserver 将事件依次转发给多个观察者，忽略 nil。
func MultiObserver(observers ...Observer) Observer {
	var list multiObserver
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return nopObserver{}
	case 1:
		return list[0]
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) EncodingLoaded(encoding string, duration time.Duration, err error) {
	for _, o := range m {
		o.EncodingLoaded(encoding, duration, err)
	}
}

func (m multiObserver) ItemEstimated(model string, method Method, reason Reason, tokens int) {
	for _, o := range m {
		o.ItemEstimated(model, method, reason, tokens)
	}
}

func (m multiObserver) BatchEstimated(model string, items, total int, duration time.Duration) {
	for _, o := range m {
		o.BatchEstimated(model, items, total, duration)
	}
}

func (m multiObserver) CountCacheLookup(hit bool) {
	for _, o := range m {
		o.CountCacheLookup(hit)
	}
}
