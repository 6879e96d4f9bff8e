/*
包 server 管理 HTTP/HTTPS 监听端口的生命周期。

API 端口与 /metrics 端口各使用一个 Manager：Start 非阻塞地开始服务，
Shutdown 在 ShutdownTimeout 内等待请求结束，WaitForShutdown 监听
SIGINT/SIGTERM。MaxConnections > 0 时用 netutil.LimitListener 限制并发连接，
Config.TLS 非 nil 时在监听器上做 TLS 握手。
*/
package server
