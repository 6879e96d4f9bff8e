// Package tokenizer 提供统一的 Token 计数接口与批量估算器。
//
// 精确路径使用 tiktoken BPE 编码表，编码表按需加载并缓存；
// 文本包含超长重复字符、编码失败或编码表不可用时，
// 回退到基于字符数的估算。Counter 负责逐条处理并汇总。
package tokenizer
