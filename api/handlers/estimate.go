package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/api"
	"github.com/BaSui01/tokenest/internal/usage"
	"github.com/BaSui01/tokenest/tokenizer"
	"github.com/BaSui01/tokenest/types"
)

// maxModelNameLen 超过该长度的模型名直接拒绝。
const maxModelNameLen = 128

// =============================================================================
// 🔢 Token 估算 Handler
// =============================================================================

// CounterFactory 为模型创建计数器，共享编码表缓存与观察者。
type CounterFactory func(model string) *tokenizer.Counter

// UsageRecorder 记录每次估算，由用量账本实现。
type UsageRecorder interface {
	Record(ctx context.Context, rec *usage.EstimateRecord) error
}

// EstimateConfig 估算端点配置
type EstimateConfig struct {
	DefaultModel string
	MaxTexts     int
	Timeout      time.Duration
}

// EstimateHandler 处理 /v1/tokens/estimate 与 /v1/encodings
type EstimateHandler struct {
	newCounter CounterFactory
	encodings  *tokenizer.EncodingCache
	recorder   UsageRecorder
	config     EstimateConfig
	logger     *zap.Logger
}

// NewEstimateHandler 创建估算处理器，recorder 可以为 nil
func NewEstimateHandler(factory CounterFactory, encodings *tokenizer.EncodingCache, recorder UsageRecorder, cfg EstimateConfig, logger *zap.Logger) *EstimateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if encodings == nil {
		encodings = tokenizer.DefaultEncodingCache()
	}
	if factory == nil {
		factory = func(model string) *tokenizer.Counter {
			return tokenizer.NewCounter(model, tokenizer.WithEncodingCache(encodings))
		}
	}
	return &EstimateHandler{
		newCounter: factory,
		encodings:  encodings,
		recorder:   recorder,
		config:     cfg,
		logger:     logger.With(zap.String("handler", "estimate")),
	}
}

// HandleEstimate 处理 POST /v1/tokens/estimate
// @Summary 估算 token 数
// @Tags 估算
// @Accept json
// @Produce json
// @Param request body api.EstimateRequest true "估算请求"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /v1/tokens/estimate [post]
func (h *EstimateHandler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrMethodNotAllowed, "method not allowed", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.EstimateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if apiErr := h.validate(&req); apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	ctx := r.Context()
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	res, err := h.newCounter(req.Model).Count(ctx, req.Texts)
	if err != nil {
		WriteError(w, countError(err), h.logger)
		return
	}

	h.record(r.Context(), res)
	WriteSuccess(w, api.NewEstimateResponse(res, req.Detail))
}

func (h *EstimateHandler) validate(req *api.EstimateRequest) *types.Error {
	if req.Model == "" {
		req.Model = h.config.DefaultModel
	}
	if req.Model == "" {
		return types.NewInvalidRequestError("model is required")
	}
	if len(req.Model) > maxModelNameLen {
		return types.NewInvalidRequestError(fmt.Sprintf("model name exceeds %d characters", maxModelNameLen))
	}
	if req.Texts == nil {
		return types.NewInvalidRequestError("texts is required")
	}
	if h.config.MaxTexts > 0 && len(req.Texts) > h.config.MaxTexts {
		return types.NewInvalidRequestError(fmt.Sprintf("too many texts: %d > %d", len(req.Texts), h.config.MaxTexts))
	}
	return nil
}

func countError(err error) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, "estimation timed out").WithCause(err).WithRetryable(true)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrTimeout, "request cancelled").WithCause(err)
	}
	return types.NewError(types.ErrTokenizerError, "estimation failed").WithCause(err)
}

// record 写入账本；失败只记日志，不影响响应
func (h *EstimateHandler) record(ctx context.Context, res *tokenizer.Result) {
	if h.recorder == nil {
		return
	}
	requestID, _ := types.RequestID(ctx)
	subject, _ := types.Subject(ctx)
	if err := h.recorder.Record(context.WithoutCancel(ctx), usage.NewRecord(requestID, subject, res)); err != nil {
		h.logger.Warn("usage record failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// HandleEncodings 处理 GET /v1/encodings
// @Summary 模型编码解析表
// @Tags 估算
// @Produce json
// @Success 200 {object} Response
// @Router /v1/encodings [get]
func (h *EstimateHandler) HandleEncodings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrMethodNotAllowed, "method not allowed", h.logger)
		return
	}

	if model := r.URL.Query().Get("model"); model != "" {
		WriteSuccess(w, tokenizer.ModelEncoding{
			Model:     model,
			Encoding:  tokenizer.ResolveEncoding(model),
			MaxTokens: tokenizer.GetTokenizerOrEstimator(model).MaxTokens(),
		})
		return
	}

	WriteSuccess(w, api.EncodingsResponse{
		DefaultModel:    h.config.DefaultModel,
		DefaultEncoding: tokenizer.ResolveEncoding(h.config.DefaultModel),
		Loaded:          h.encodings.Loaded(),
		Models:          tokenizer.KnownModels(),
	})
}
