package tokenizer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// 已知的 BPE 编码名称。
const (
	EncodingO200K    = "o200k_base"
	EncodingCL100K   = "cl100k_base"
	EncodingP50K     = "p50k_base"
	EncodingP50KEdit = "p50k_edit"
	EncodingR50K     = "r50k_base"

	// DefaultEncoding 用于无法识别的模型。
	DefaultEncoding = EncodingCL100K
)

var knownEncodings = map[string]struct{}{
	EncodingO200K:    {},
	EncodingCL100K:   {},
	EncodingP50K:     {},
	EncodingP50KEdit: {},
	EncodingR50K:     {},
}

type modelInfo struct {
	encoding  string
	maxTokens int
}

// 模型名称到编码与上下文长度的映射。
var modelEncodings = map[string]modelInfo{
	"gpt-4.1":                {encoding: EncodingO200K, maxTokens: 1047576},
	"gpt-4o":                 {encoding: EncodingO200K, maxTokens: 128000},
	"gpt-4o-mini":            {encoding: EncodingO200K, maxTokens: 128000},
	"o1":                     {encoding: EncodingO200K, maxTokens: 200000},
	"o3":                     {encoding: EncodingO200K, maxTokens: 200000},
	"o4-mini":                {encoding: EncodingO200K, maxTokens: 200000},
	"gpt-4-turbo":            {encoding: EncodingCL100K, maxTokens: 128000},
	"gpt-4":                  {encoding: EncodingCL100K, maxTokens: 8192},
	"gpt-4-32k":              {encoding: EncodingCL100K, maxTokens: 32768},
	"gpt-3.5-turbo":          {encoding: EncodingCL100K, maxTokens: 16385},
	"text-embedding-ada-002": {encoding: EncodingCL100K, maxTokens: 8191},
	"text-embedding-3-large": {encoding: EncodingCL100K, maxTokens: 8191},
	"text-embedding-3-small": {encoding: EncodingCL100K, maxTokens: 8191},
	"text-davinci-003":       {encoding: EncodingP50K, maxTokens: 4097},
	"text-davinci-002":       {encoding: EncodingP50K, maxTokens: 4097},
	"code-davinci-002":       {encoding: EncodingP50K, maxTokens: 8001},
	"text-davinci-edit-001":  {encoding: EncodingP50KEdit, maxTokens: 2049},
	"davinci":                {encoding: EncodingR50K, maxTokens: 2049},
	"curie":                  {encoding: EncodingR50K, maxTokens: 2049},
	"babbage":                {encoding: EncodingR50K, maxTokens: 2049},
	"ada":                    {encoding: EncodingR50K, maxTokens: 2049},
}

// 带日期或微调后缀的模型名按前缀解析。
var modelPrefixEncodings = map[string]string{
	"gpt-4.1-":         EncodingO200K,
	"gpt-4o-":          EncodingO200K,
	"chatgpt-4o-":      EncodingO200K,
	"o1-":              EncodingO200K,
	"o3-":              EncodingO200K,
	"o4-":              EncodingO200K,
	"gpt-4-":           EncodingCL100K,
	"gpt-3.5-turbo-":   EncodingCL100K,
	"gpt-35-turbo-":    EncodingCL100K,
	"ft:gpt-4o":        EncodingO200K,
	"ft:gpt-4":         EncodingCL100K,
	"ft:gpt-3.5-turbo": EncodingCL100K,
	"ft:davinci-002":   EncodingCL100K,
	"ft:babbage-002":   EncodingCL100K,
}

// ResolveEncoding 返回模型对应的编码名称。
// 依次尝试：精确模型名、最长前缀、本身即编码名，最后回退到 DefaultEncoding。
func ResolveEncoding(model string) string {
	if info, ok := modelEncodings[model]; ok {
		return info.encoding
	}

	best, bestLen := "", 0
	for prefix, enc := range modelPrefixEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = enc, len(prefix)
		}
	}
	if best != "" {
		return best
	}

	if IsKnownEncoding(model) {
		return model
	}
	return DefaultEncoding
}

// IsKnownEncoding 判断名称是否为受支持的 BPE 编码。
func IsKnownEncoding(name string) bool {
	_, ok := knownEncodings[name]
	return ok
}

// IsKnownModel 判断模型名是否命中精确表或前缀表。
func IsKnownModel(model string) bool {
	if _, ok := modelEncodings[model]; ok {
		return true
	}
	for prefix := range modelPrefixEncodings {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// OtherLabel 是指标里未识别模型与编码的统一取值。
const OtherLabel = "other"

// ModelLabel 把请求里的模型名收敛到有限集合，供指标标签使用：
// 精确表中的模型名与编码名原样返回，按前缀识别的变体（带日期、微调后缀）
// 返回解析出的编码名，其余一律 OtherLabel。
func ModelLabel(model string) string {
	if _, ok := modelEncodings[model]; ok {
		return model
	}
	if IsKnownEncoding(model) {
		return model
	}
	if IsKnownModel(model) {
		return ResolveEncoding(model)
	}
	return OtherLabel
}

// EncodingLabel 已知编码原样返回，其余为 OtherLabel。
func EncodingLabel(encoding string) string {
	if IsKnownEncoding(encoding) {
		return encoding
	}
	return OtherLabel
}

// ModelEncoding 描述一个模型的编码解析结果。
type ModelEncoding struct {
	Model     string `json:"model"`
	Encoding  string `json:"encoding"`
	MaxTokens int    `json:"max_tokens"`
}

// KnownModels 返回按模型名排序的编码表。
func KnownModels() []ModelEncoding {
	out := make([]ModelEncoding, 0, len(modelEncodings))
	for model, info := range modelEncodings {
		out = append(out, ModelEncoding{Model: model, Encoding: info.encoding, MaxTokens: info.maxTokens})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Encoder 是 BPE 编码器的最小接口，*tiktoken.Tiktoken 满足该接口。
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
	Decode(tokens []int) string
}

// LoadFunc 按编码名称加载编码器。
type LoadFunc func(encoding string) (Encoder, error)

// TiktokenLoader 通过 tiktoken-go 加载编码表（首次使用可能下载数据）。
func TiktokenLoader(encoding string) (Encoder, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// EncodingCache 按编码名称惰性加载并缓存编码器。
// 同一编码的并发首次加载只执行一次；加载失败不会被缓存，下次调用会重试。
type EncodingCache struct {
	load     LoadFunc
	observer Observer
	logger   *zap.Logger

	mu       sync.RWMutex
	encoders map[string]Encoder
	group    singleflight.Group
}

// EncodingCacheOption 配置 EncodingCache。
type EncodingCacheOption func(*EncodingCache)

// WithLoadFunc 替换编码表加载函数。
func WithLoadFunc(fn LoadFunc) EncodingCacheOption {
	return func(c *EncodingCache) {
		if fn != nil {
			c.load = fn
		}
	}
}

// WithCacheObserver 设置加载事件观察者。
func WithCacheObserver(o Observer) EncodingCacheOption {
	return func(c *EncodingCache) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithCacheLogger 设置日志。
func WithCacheLogger(logger *zap.Logger) EncodingCacheOption {
	return func(c *EncodingCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewEncodingCache 创建编码表缓存。
func NewEncodingCache(opts ...EncodingCacheOption) *EncodingCache {
	c := &EncodingCache{
		load:     TiktokenLoader,
		observer: nopObserver{},
		logger:   zap.NewNop(),
		encoders: make(map[string]Encoder),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "encoding_cache"))
	return c
}

var defaultEncodingCache = NewEncodingCache()

// DefaultEncodingCache 返回进程级共享的编码表缓存。
func DefaultEncodingCache() *EncodingCache {
	return defaultEncodingCache
}

// Get 返回指定编码的编码器，必要时加载。
func (c *EncodingCache) Get(ctx context.Context, encoding string) (Encoder, error) {
	c.mu.RLock()
	enc, ok := c.encoders[encoding]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	ch := c.group.DoChan(encoding, func() (interface{}, error) {
		return c.loadAndStore(encoding)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Encoder), nil
	}
}

func (c *EncodingCache) loadAndStore(encoding string) (Encoder, error) {
	// 另一个 singleflight 轮次可能已经完成加载。
	c.mu.RLock()
	if enc, ok := c.encoders[encoding]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	start := time.Now()
	enc, err := c.load(encoding)
	if err == nil && enc == nil {
		err = fmt.Errorf("loader returned nil encoder")
	}
	if err != nil {
		c.observer.EncodingLoaded(encoding, time.Since(start), err)
		c.logger.Warn("encoding load failed",
			zap.String("encoding", encoding),
			zap.Error(err),
		)
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}

	c.mu.Lock()
	c.encoders[encoding] = enc
	c.mu.Unlock()

	c.observer.EncodingLoaded(encoding, time.Since(start), nil)
	c.logger.Info("encoding loaded",
		zap.String("encoding", encoding),
		zap.Duration("duration", time.Since(start)),
	)
	return enc, nil
}

// Loaded 返回已缓存的编码名称。
func (c *EncodingCache) Loaded() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.encoders))
	for name := range c.encoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evict 移除指定编码，下次 Get 会重新加载。
func (c *EncodingCache) Evict(encoding string) {
	c.mu.Lock()
	delete(c.encoders, encoding)
	c.mu.Unlock()
}
