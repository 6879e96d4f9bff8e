// Package api 定义 tokenest HTTP API 的请求与响应类型。
//
// # API Overview
//
//   - POST /v1/tokens/estimate  估算一批文本的 token 数
//   - GET  /v1/encodings        模型到 BPE 编码的解析表
//   - GET  /v1/usage            用量账本汇总（需配置数据库）
//   - GET  /health /healthz /ready /version
//   - GET  /metrics             Prometheus 指标（独立端口）
//
// # Authentication
//
// 配置 API Key 或 JWT 密钥后，/v1 下的端点需要认证：
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <jwt>
//
// 所有响应使用统一信封：
//
//	{"success": true, "data": {...}, "timestamp": "...", "request_id": "..."}
package api
