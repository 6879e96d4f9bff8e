// Package tlsutil 集中 TLS 设置：API 端口 HTTPS、health 探测客户端与 Redis 连接共用同一套 TLS 1.2+ AEAD 基线。
package tlsutil
