/*
Package handlers 提供 tokenest HTTP API 的请求处理器实现。

# 核心类型

  - EstimateHandler  Token 估算（POST /v1/tokens/estimate）与编码表查询（GET /v1/encodings）
  - UsageHandler     用量账本汇总（GET /v1/usage, /v1/usage/recent），未配置数据库时返回 503
  - HealthHandler    存活、就绪与版本端点，可注册 PingCheck
  - Response         统一 JSON 响应结构（success + data + error + timestamp + request_id）
  - ResponseWriter   包装 http.ResponseWriter 以捕获状态码与响应大小

# 错误处理

处理器只返回 *types.Error，WriteError 按 ErrorCode 映射 HTTP 状态码。
用量记录失败只写日志，不影响估算响应。
*/
package handlers
