package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/types"
)

// RequestIDHeader 由 RequestID 中间件写入响应头，响应信封从这里读取请求 ID。
const RequestIDHeader = "X-Request-ID"

// maxJSONBodyBytes 单个 JSON 请求体的硬上限，中间件可配置更小的值。
const maxJSONBodyBytes = 8 << 20

// Response 统一响应信封
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo 信封里的错误部分
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

func envelope(w http.ResponseWriter, data interface{}, info *ErrorInfo) Response {
	return Response{
		Success:   info == nil,
		Data:      data,
		Error:     info,
		Timestamp: time.Now().UTC(),
		RequestID: w.Header().Get(RequestIDHeader),
	}
}

// WriteJSON 写出任意 JSON 值
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 状态码已写出，编码错误只能丢弃
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 200 + 成功信封
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, envelope(w, data, nil))
}

// WriteError 把 types.Error 写成错误信封；未显式指定状态码时按错误码映射
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}
	logAPIError(logger, err, status)

	WriteJSON(w, status, envelope(w, nil, &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}))
}

// WriteErrorMessage 便捷版 WriteError
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// 5xx 记 Error，客户端错误只记 Debug
func logAPIError(logger *zap.Logger, err *types.Error, status int) {
	if logger == nil {
		return
	}
	log := logger.Debug
	if status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log("API error",
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Int("status", status),
		zap.Bool("retryable", err.Retryable),
		zap.Error(err.Cause),
	)
}

var codeStatus = map[types.ErrorCode]int{
	types.ErrInvalidRequest:     http.StatusBadRequest,
	types.ErrUnauthorized:       http.StatusUnauthorized,
	types.ErrForbidden:          http.StatusForbidden,
	types.ErrNotFound:           http.StatusNotFound,
	types.ErrMethodNotAllowed:   http.StatusMethodNotAllowed,
	types.ErrPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	types.ErrRateLimited:        http.StatusTooManyRequests,
	types.ErrTimeout:            http.StatusGatewayTimeout,
	types.ErrServiceUnavailable: http.StatusServiceUnavailable,
}

// 未登记的错误码（含 TOKENIZER_ERROR、INTERNAL_ERROR）一律 500
func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	if status, ok := codeStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// =============================================================================
// 🛡️ 请求解析
// =============================================================================

// DecodeJSONBody 严格解码请求体：拒绝未知字段和多余内容。
// 返回错误时响应已经写出。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	apiErr := decodeStrict(w, r, dst)
	if apiErr != nil {
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

func decodeStrict(w http.ResponseWriter, r *http.Request, dst interface{}) *types.Error {
	if r.Body == nil || r.Body == http.NoBody {
		return types.NewInvalidRequestError("request body is empty")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		if dec.Decode(&struct{}{}) != io.EOF {
			return types.NewInvalidRequestError("request body must contain a single JSON object")
		}
		return nil
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return types.NewError(types.ErrPayloadTooLarge, "request body too large").WithCause(err)
	case errors.Is(err, io.EOF):
		return types.NewInvalidRequestError("request body is empty")
	default:
		return types.NewInvalidRequestError("invalid JSON body").WithCause(err)
	}
}

// ValidateContentType 只接受 application/json（允许 charset 等参数）
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "application/json" {
		return true
	}
	WriteError(w, types.NewInvalidRequestError("Content-Type must be application/json"), logger)
	return false
}

// =============================================================================
// 📊 ResponseWriter
// =============================================================================

// ResponseWriter 记录首个状态码与写出字节数，供日志和指标中间件读取
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode, rw.Written = code, true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += n
	return n, err
}

// Unwrap 供 http.ResponseController 使用
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
