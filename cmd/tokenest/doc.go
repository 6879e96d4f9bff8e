// Copyright (c) tokenest Authors.
// Licensed under the MIT License.

/*
Package main 提供 tokenest 服务端与命令行入口。

# 概述

cmd/tokenest 提供 HTTP 估算服务、命令行估算、数据库迁移、健康检查和版本查询等子命令。
程序支持 YAML 配置文件加载、结构化日志（zap）、Prometheus 指标采集与 OpenTelemetry 追踪。

# 核心类型

  - Server       ：主服务器，管理 API 与 Metrics 双端口及优雅关闭
  - Middleware   ：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - countCommand ：count 子命令，输入输出可替换以便测试

# 主要能力

  - 子命令：serve、count、migrate（up/down/status/version/info/force）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、Metrics、
    OTelTracing、CORS、BodyLimit、RateLimiter（基于 IP）、Auth（API Key / JWT）
  - 估算组件：编码表缓存、Redis 计数缓存（可选）、gorm 用量账本（可选）
  - Metrics 服务器：独立端口暴露 /metrics，使用独立 registry
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 关闭缓存与账本 → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
