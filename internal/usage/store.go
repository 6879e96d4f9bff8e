// Package usage 记录每次 API 估算的用量，并提供聚合查询。
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/tokenest/internal/database"
	"github.com/BaSui01/tokenest/tokenizer"
)

// ErrLedgerDisabled 未配置数据库时返回
var ErrLedgerDisabled = errors.New("usage ledger is disabled")

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 500
	recordRetries      = 3
)

// 列宽上限（按字符计），与迁移脚本中的 VARCHAR 定义一致
const (
	MaxRequestIDLen = 64
	MaxSubjectLen   = 128
	MaxModelLen     = 128
)

// =============================================================================
// 📒 数据模型
// =============================================================================

// EstimateRecord 一次估算请求的用量记录
type EstimateRecord struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	RequestID      string    `gorm:"type:varchar(64);not null;default:''" json:"request_id,omitempty"`
	Subject        string    `gorm:"type:varchar(128);not null;default:''" json:"subject,omitempty"`
	Model          string    `gorm:"type:varchar(128);not null;index" json:"model"`
	Encoding       string    `gorm:"type:varchar(32);not null" json:"encoding"`
	ItemCount      int       `gorm:"not null;default:0" json:"item_count"`
	ExactItems     int       `gorm:"not null;default:0" json:"exact_items"`
	HeuristicItems int       `gorm:"not null;default:0" json:"heuristic_items"`
	TotalTokens    int64     `gorm:"not null;default:0" json:"total_tokens"`
	CreatedAt      time.Time `gorm:"not null;index" json:"created_at"`
}

// TableName 指定表名
func (EstimateRecord) TableName() string {
	return "estimate_records"
}

// NewRecord 从估算结果构造记录
func NewRecord(requestID, subject string, res *tokenizer.Result) *EstimateRecord {
	return &EstimateRecord{
		RequestID:      truncate(requestID, MaxRequestIDLen),
		Subject:        truncate(subject, MaxSubjectLen),
		Model:          truncate(res.Model, MaxModelLen),
		Encoding:       res.Encoding,
		ItemCount:      len(res.Items),
		ExactItems:     res.Exact,
		HeuristicItems: res.Heuristic,
		TotalTokens:    int64(res.Total),
	}
}

// truncate 截断到 n 个字符，不切开多字节字符
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// Summary 聚合用量
type Summary struct {
	Model          string `json:"model,omitempty"`
	Requests       int64  `json:"requests"`
	Items          int64  `json:"items"`
	HeuristicItems int64  `json:"heuristic_items"`
	Tokens         int64  `json:"tokens"`
}

// =============================================================================
// 🗄️ Store
// =============================================================================

// QueryObserver 接收查询耗时，metrics.Collector 满足该接口
type QueryObserver interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// Store 用量账本
type Store struct {
	pool     *database.Pool
	observer QueryObserver
	logger   *zap.Logger
	now      func() time.Time
}

// Option 配置 Store
type Option func(*Store)

// WithQueryObserver 设置查询耗时观察者
func WithQueryObserver(o QueryObserver) Option {
	return func(s *Store) { s.observer = o }
}

// NewStore 创建用量账本
func NewStore(pool *database.Pool, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "usage")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate 创建或更新表结构
func (s *Store) Migrate(ctx context.Context) error {
	defer s.observe("migrate", time.Now())
	if err := s.pool.DB().WithContext(ctx).AutoMigrate(&EstimateRecord{}); err != nil {
		return fmt.Errorf("migrate usage ledger: %w", err)
	}
	return nil
}

// Record 写入一条记录，ID 与 CreatedAt 为空时自动填充
func (s *Store) Record(ctx context.Context, rec *EstimateRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	defer s.observe("insert", time.Now())
	err := s.pool.InTx(ctx, recordRetries, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
	if err != nil {
		s.logger.Warn("failed to record usage",
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Summary 汇总用量，model 为空时汇总全部模型
func (s *Store) Summary(ctx context.Context, model string) (*Summary, error) {
	defer s.observe("summary", time.Now())

	out := &Summary{Model: model}
	q := s.pool.DB().WithContext(ctx).Model(&EstimateRecord{}).Select(summaryColumns)
	if model != "" {
		q = q.Where("model = ?", model)
	}
	if err := q.Scan(out).Error; err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	out.Model = model
	return out, nil
}

// SummaryByModel 按模型分组汇总，按 token 数降序
func (s *Store) SummaryByModel(ctx context.Context) ([]Summary, error) {
	defer s.observe("summary_by_model", time.Now())

	var out []Summary
	err := s.pool.DB().WithContext(ctx).
		Model(&EstimateRecord{}).
		Select("model, " + summaryColumns).
		Group("model").
		Order("tokens DESC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("summarize usage by model: %w", err)
	}
	return out, nil
}

// Recent 返回最近的记录，limit 超出范围时取默认值或上限
func (s *Store) Recent(ctx context.Context, limit int) ([]EstimateRecord, error) {
	defer s.observe("recent", time.Now())

	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}

	var out []EstimateRecord
	err := s.pool.DB().WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list recent usage: %w", err)
	}
	return out, nil
}

// Ping 检查数据库连接
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close 关闭底层连接池
func (s *Store) Close() error {
	return s.pool.Close()
}

const summaryColumns = "COUNT(*) AS requests, " +
	"COALESCE(SUM(item_count), 0) AS items, " +
	"COALESCE(SUM(heuristic_items), 0) AS heuristic_items, " +
	"COALESCE(SUM(total_tokens), 0) AS tokens"

func (s *Store) observe(operation string, start time.Time) {
	if s.observer != nil {
		s.observer.RecordDBQuery(s.pool.Driver(), operation, time.Since(start))
	}
}
