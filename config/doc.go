// Package config 提供 tokenest 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加，
// 环境变量名由前缀与 env 标签拼接而成（如 TOKENEST_TOKENIZER_DEFAULT_MODEL）。
package config
