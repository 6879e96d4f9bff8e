package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/internal/tlsutil"
	"github.com/BaSui01/tokenest/tokenizer"
)

// pingTimeout 建连与周期探活共用的超时
const pingTimeout = 5 * time.Second

// purgeBatch 每轮 SCAN 的建议数量
const purgeBatch = 256

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("cache manager is closed")

// Config Redis 计数缓存配置
type Config struct {
	Addr                string        `yaml:"addr" json:"addr"`
	Password            string        `yaml:"password" json:"password"`
	DB                  int           `yaml:"db" json:"db"`
	TTL                 time.Duration `yaml:"ttl" json:"ttl"` // 0 表示永不过期
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	PoolSize            int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns        int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	TLS                 bool          `yaml:"tls" json:"tls"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		TTL:                 24 * time.Hour,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

func (c Config) redisOptions() *redis.Options {
	opts := &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		MaxRetries:   c.MaxRetries,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
	if c.TLS {
		opts.TLSConfig = tlsutil.ForClient(c.Addr)
	}
	return opts
}

// =============================================================================
// 💾 Manager
// =============================================================================

// Manager 把精确 token 计数存进 Redis，实现 tokenizer.CountCache。
// 所有读写错误都按未命中处理，估算路径永远不会因 Redis 失败。
type Manager struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	closed atomic.Bool
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager 连接 Redis 并在 HealthCheckInterval > 0 时启动探活协程。
// 初次 PING 失败返回错误，调用方决定是否降级。
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(cfg.redisOptions())

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	err := client.Ping(ctx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	loopCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With(zap.String("component", "count_cache")),
		stop:   stop,
	}
	if cfg.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.watch(loopCtx, cfg.HealthCheckInterval)
	}

	m.logger.Info("count cache connected",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Duration("ttl", cfg.TTL),
	)
	return m, nil
}

// GetCount 读取缓存的 token 数；损坏的值会被删除。
func (m *Manager) GetCount(ctx context.Context, key string) (int, bool) {
	if m.closed.Load() {
		return 0, false
	}

	raw, err := m.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, false
	case err != nil:
		m.logger.Debug("count lookup failed", zap.String("key", key), zap.Error(err))
		return 0, false
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		m.logger.Warn("dropping corrupt count entry", zap.String("key", key), zap.String("value", raw))
		_ = m.client.Del(ctx, key).Err()
		return 0, false
	}
	return n, true
}

// SetCount 写入 token 数，负数忽略，失败只记日志。
func (m *Manager) SetCount(ctx context.Context, key string, tokens int) {
	if tokens < 0 || m.closed.Load() {
		return
	}
	if err := m.client.Set(ctx, key, tokens, m.ttl).Err(); err != nil {
		m.logger.Debug("count store failed", zap.String("key", key), zap.Error(err))
	}
}

// Purge 删除某个编码下的全部计数，encoding 为空时清空所有编码。
// 编码表更新后调用，返回删除的键数量。
func (m *Manager) Purge(ctx context.Context, encoding string) (int64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	pattern := tokenizer.CountCacheKeyPrefix + "*"
	if encoding != "" {
		pattern = tokenizer.CountCacheKeyPrefix + encoding + ":*"
	}

	// 先收集再删除，避免边扫描边删除导致游标跳过键
	var keys []string
	iter := m.client.Scan(ctx, 0, pattern, purgeBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan counts: %w", err)
	}

	var removed int64
	for start := 0; start < len(keys); start += purgeBatch {
		end := min(start+purgeBatch, len(keys))
		n, err := m.client.Del(ctx, keys[start:end]...).Result()
		removed += n
		if err != nil {
			return removed, fmt.Errorf("purge counts: %w", err)
		}
	}

	m.logger.Info("count cache purged", zap.String("encoding", encoding), zap.Int64("keys", removed))
	return removed, nil
}

// Ping 检查 Redis 连接，供 /ready 使用
func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Close 停止探活并关闭连接，可重复调用
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.stop()
	m.wg.Wait()
	m.logger.Info("count cache closed")
	return m.client.Close()
}

func (m *Manager) watch(ctx context.Context, every time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := m.client.Ping(pingCtx).Err()
		cancel()

		// 只在状态切换时打日志
		switch {
		case err != nil && healthy && ctx.Err() == nil:
			m.logger.Error("count cache unreachable, lookups will miss", zap.Error(err))
			healthy = false
		case err == nil && !healthy:
			m.logger.Info("count cache reachable again")
			healthy = true
		}
	}
}
