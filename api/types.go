package api

import (
	"time"

	"github.com/BaSui01/tokenest/tokenizer"
)

// =============================================================================
// Token 估算类型
// =============================================================================

// EstimateRequest 是 POST /v1/tokens/estimate 的请求体。
// @Description Token 估算请求
type EstimateRequest struct {
	// 模型名称或编码名称，为空时使用服务默认模型
	Model string `json:"model,omitempty" example:"gpt-4o"`
	// 待估算的文本列表
	Texts []string `json:"texts"`
	// 是否返回逐条结果
	Detail bool `json:"detail,omitempty"`
}

// EstimateResponse 是估算结果。
// @Description Token 估算结果
type EstimateResponse struct {
	Model          string                 `json:"model" example:"gpt-4o"`
	Encoding       string                 `json:"encoding" example:"o200k_base"`
	Total          int                    `json:"total" example:"42"`
	ExactItems     int                    `json:"exact_items"`
	HeuristicItems int                    `json:"heuristic_items"`
	Items          []tokenizer.ItemResult `json:"items,omitempty"`
}

// NewEstimateResponse 从估算结果构造响应，detail 为 false 时省略逐条结果。
func NewEstimateResponse(res *tokenizer.Result, detail bool) EstimateResponse {
	out := EstimateResponse{
		Model:          res.Model,
		Encoding:       res.Encoding,
		Total:          res.Total,
		ExactItems:     res.Exact,
		HeuristicItems: res.Heuristic,
	}
	if detail {
		out.Items = res.Items
	}
	return out
}

// =============================================================================
// 编码表与版本
// =============================================================================

// EncodingsResponse 列出已知模型的编码解析结果。
type EncodingsResponse struct {
	DefaultModel    string                    `json:"default_model"`
	DefaultEncoding string                    `json:"default_encoding"`
	Loaded          []string                  `json:"loaded"`
	Models          []tokenizer.ModelEncoding `json:"models"`
}

// VersionResponse 是 /version 的响应数据。
type VersionResponse struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// =============================================================================
// 用量统计
// =============================================================================

// UsageResponse 是 GET /v1/usage 的响应数据。
type UsageResponse struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Summary     UsageTotals   `json:"summary"`
	Models      []UsageTotals `json:"models,omitempty"`
}

// UsageTotals 是一个模型（或全部模型）的累计用量。
type UsageTotals struct {
	Model          string `json:"model,omitempty"`
	Requests       int64  `json:"requests"`
	Items          int64  `json:"items"`
	HeuristicItems int64  `json:"heuristic_items"`
	Tokens         int64  `json:"tokens"`
}
