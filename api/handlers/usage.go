package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/api"
	"github.com/BaSui01/tokenest/internal/usage"
	"github.com/BaSui01/tokenest/types"
)

// UsageReader 读取用量账本
type UsageReader interface {
	Summary(ctx context.Context, model string) (*usage.Summary, error)
	SummaryByModel(ctx context.Context) ([]usage.Summary, error)
	Recent(ctx context.Context, limit int) ([]usage.EstimateRecord, error)
}

// UsageHandler 处理 /v1/usage，reader 为 nil 时返回 503
type UsageHandler struct {
	reader UsageReader
	logger *zap.Logger
}

// NewUsageHandler 创建用量处理器
func NewUsageHandler(reader UsageReader, logger *zap.Logger) *UsageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageHandler{reader: reader, logger: logger.With(zap.String("handler", "usage"))}
}

func (h *UsageHandler) available(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrMethodNotAllowed, "method not allowed", h.logger)
		return false
	}
	if h.reader == nil {
		WriteError(w, types.NewError(types.ErrServiceUnavailable, usage.ErrLedgerDisabled.Error()), h.logger)
		return false
	}
	return true
}

// HandleUsage 处理 GET /v1/usage?model=
// @Summary 用量汇总
// @Tags 用量
// @Produce json
// @Param model query string false "模型名称"
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /v1/usage [get]
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}
	ctx := r.Context()
	model := r.URL.Query().Get("model")

	summary, err := h.reader.Summary(ctx, model)
	if err != nil {
		WriteError(w, types.NewInternalError("failed to summarize usage", err), h.logger)
		return
	}
	resp := api.UsageResponse{
		GeneratedAt: time.Now().UTC(),
		Summary:     toTotals(*summary),
	}

	if model == "" {
		perModel, err := h.reader.SummaryByModel(ctx)
		if err != nil {
			WriteError(w, types.NewInternalError("failed to summarize usage by model", err), h.logger)
			return
		}
		resp.Models = make([]api.UsageTotals, 0, len(perModel))
		for _, s := range perModel {
			resp.Models = append(resp.Models, toTotals(s))
		}
	}

	WriteSuccess(w, resp)
}

// HandleRecent 处理 GET /v1/usage/recent?limit=
func (h *UsageHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	if !h.available(w, r) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, types.NewInvalidRequestError("limit must be a non-negative integer"), h.logger)
			return
		}
		limit = n
	}

	records, err := h.reader.Recent(r.Context(), limit)
	if err != nil {
		WriteError(w, types.NewInternalError("failed to list recent usage", err), h.logger)
		return
	}
	WriteSuccess(w, records)
}

func toTotals(s usage.Summary) api.UsageTotals {
	return api.UsageTotals{
		Model:          s.Model,
		Requests:       s.Requests,
		Items:          s.Items,
		HeuristicItems: s.HeuristicItems,
		Tokens:         s.Tokens,
	}
}
