// Copyright (c) tokenest Authors.
// Licensed under the MIT License.

/*
Package types 提供 tokenest 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 api、cmd 等上层模块
提供统一的错误体系与 Context 传播工具，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - 错误工具链：AsError / GetErrorCode / IsRetryable
  - 常用错误构造：NewInvalidRequestError / NewInternalError
  - Context 传播：WithRequestID / WithSubject
*/
package types
