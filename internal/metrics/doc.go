/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP 请求、
token 估算、编码表加载、计数缓存与用量账本查询。

# 概述

Collector 通过 promauto 注册到默认 Registry，所有指标按 namespace 隔离。
Collector 实现 tokenizer.Observer，可直接传给 tokenizer.WithObserver 与
tokenizer.WithCacheObserver。

# 标签基数

model 标签经 tokenizer.ModelLabel 收敛：精确表中的模型名和编码名保留，
带日期或微调后缀的变体记为其编码名，其余统一记为 other。
HTTP path 标签只有已注册路由和 unmatched 两类，由中间件归一化后传入。
*/
package metrics
