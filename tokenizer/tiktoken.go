package tokenizer

import (
	"context"
	"errors"
	"fmt"
)

// ErrEncodeFailed 表示 BPE 编码器拒绝或无法处理输入文本。
var ErrEncodeFailed = errors.New("tiktoken encode failed")

// disallowAll 让编码器拒绝用户文本中的特殊 token（如 <|endoftext|>）。
var disallowAll = []string{"all"}

// TiktokenTokenizer 为 OpenAI 系列模型提供精确 token 计数。
// 编码表从共享的 EncodingCache 中按需获取。
type TiktokenTokenizer struct {
	model     string
	encoding  string
	maxTokens int
	cache     *EncodingCache
}

// NewTiktokenTokenizer 为给定模型创建 tiktoken 分词器。
// cache 为 nil 时使用进程级默认缓存。
func NewTiktokenTokenizer(model string, cache *EncodingCache) *TiktokenTokenizer {
	if cache == nil {
		cache = DefaultEncodingCache()
	}
	return &TiktokenTokenizer{
		model:     model,
		encoding:  ResolveEncoding(model),
		maxTokens: maxTokensFor(model),
		cache:     cache,
	}
}

// Encoding 返回解析出的编码名称。
func (t *TiktokenTokenizer) Encoding() string {
	return t.encoding
}

func (t *TiktokenTokenizer) encoder() (Encoder, error) {
	return t.cache.Get(context.Background(), t.encoding)
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	tokens, err := t.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(tokens), nil
}

func (t *TiktokenTokenizer) CountMessages(messages []Message) (int, error) {
	enc, err := t.encoder()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, msg := range messages {
		// 每条消息的开销: <|start|>role\n content<|end|>\n
		total += perMessageOverhead
		content, err := safeEncode(enc, msg.Content)
		if err != nil {
			return 0, err
		}
		role, err := safeEncode(enc, msg.Role)
		if err != nil {
			return 0, err
		}
		total += len(content) + len(role)
	}
	return total + conversationOverhead, nil
}

func (t *TiktokenTokenizer) Encode(text string) ([]int, error) {
	if text == "" {
		return []int{}, nil
	}
	enc, err := t.encoder()
	if err != nil {
		return nil, err
	}
	return safeEncode(enc, text)
}

func (t *TiktokenTokenizer) Decode(tokens []int) (string, error) {
	enc, err := t.encoder()
	if err != nil {
		return "", err
	}
	return enc.Decode(tokens), nil
}

func (t *TiktokenTokenizer) MaxTokens() int {
	return t.maxTokens
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// safeEncode 调用编码器并把 panic 转换为 ErrEncodeFailed。
// tiktoken-go 在遇到被禁止的特殊 token 时会 panic。
func safeEncode(enc Encoder, text string) (tokens []int, err error) {
	defer func() {
		if r := recover(); r != nil {
			tokens = nil
			err = fmt.Errorf("%w: %v", ErrEncodeFailed, r)
		}
	}()
	return enc.Encode(text, nil, disallowAll), nil
}
