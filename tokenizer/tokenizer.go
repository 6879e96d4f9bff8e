package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// Tokenizer 是统一的 token 计数接口。
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数,
	// 包括每条消息的开销（角色标记、分隔符等）。
	CountMessages(messages []Message) (int, error)

	// Encode 将文本转换为 token ID 列表.
	Encode(text string) ([]int, error)

	// Decode 将 token ID 转换回文本.
	Decode(tokens []int) (string, error)

	// MaxTokens 返回模型的最大上下文长度.
	MaxTokens() int

	// Name 返回分词器的名称.
	Name() string
}

// Message 是一个轻量级消息结构。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// 消息开销：每条消息的角色标记与分隔符，以及会话结束标记。
const (
	perMessageOverhead   = 4
	conversationOverhead = 3
)

// 全局分词器注册表.
var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer 为给定的模型名称注册分词器.
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// GetTokenizer 返回为给定模型注册的分词器。
// 精确匹配失败时按最长前缀匹配（如 "gpt-4o-2024-08-06" 匹配 "gpt-4o"）。
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	var (
		best    Tokenizer
		bestLen int
	)
	for prefix, t := range modelTokenizers {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = t, len(prefix)
		}
	}
	if best != nil {
		return best, nil
	}

	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetTokenizerOrEstimator 返回该模型的注册分词器,
// 如果没有登记,则回到字符比例估算器。
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		return NewCharRatioTokenizer(model)
	}
	return t
}

// RegisterOpenAITokenizers 为所有已知的 OpenAI 模型注册 tiktoken 分词器，
// 共享同一个编码表缓存。
func RegisterOpenAITokenizers(cache *EncodingCache) {
	for model := range modelEncodings {
		RegisterTokenizer(model, NewTiktokenTokenizer(model, cache))
	}
}

// resetRegistry 清空注册表，仅供测试使用。
func resetRegistry() {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers = make(map[string]Tokenizer)
}
