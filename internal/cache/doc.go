/*
包 cache 提供基于 Redis 的 token 计数缓存。

Manager 实现 tokenizer.CountCache，以 tokenest:count:<encoding>:<sha256>
为键保存精确计数，过期时间由 Config.TTL 控制。GetCount/SetCount 不返回错误，
Redis 异常与损坏的值都按未命中处理。编码表更新后用 Purge 清理旧计数。
*/
package cache
