package tokenizer

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// DefaultCharsPerToken 是未知模型使用的字符/token 比例。
const DefaultCharsPerToken = 4.0

// charsPerToken maps model and encoding names to an average characters-per-token ratio.
var charsPerToken = map[string]float64{
	"gpt-4o":        3.8,
	"gpt-4":         4.0,
	"gpt-3.5-turbo": 4.0,
	EncodingCL100K:  4.0,
	EncodingO200K:   3.5,
	EncodingP50K:    4.2,
	EncodingR50K:    4.2,
}

// CharsPerToken returns the ratio for a literal model or encoding name.
// Names outside the table (including dated or fine-tuned variants) use DefaultCharsPerToken.
func CharsPerToken(model string) float64 {
	ratio, ok := charsPerToken[model]
	if !ok || math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 {
		return DefaultCharsPerToken
	}
	return ratio
}

// EstimateByCharCount estimates tokens as ceil(characters / ratio).
// Characters are Unicode code points.
func EstimateByCharCount(text, model string) int {
	if text == "" {
		return 0
	}
	chars := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(chars) / CharsPerToken(model)))
}

// CharRatioTokenizer exposes EstimateByCharCount through the Tokenizer interface.
type CharRatioTokenizer struct {
	model string
}

// NewCharRatioTokenizer creates a ratio-based estimator for model.
func NewCharRatioTokenizer(model string) *CharRatioTokenizer {
	return &CharRatioTokenizer{model: model}
}

func (c *CharRatioTokenizer) CountTokens(text string) (int, error) {
	return EstimateByCharCount(text, c.model), nil
}

func (c *CharRatioTokenizer) CountMessages(messages []Message) (int, error) {
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead + EstimateByCharCount(msg.Content, c.model) + EstimateByCharCount(msg.Role, c.model)
	}
	return total + conversationOverhead, nil
}

func (c *CharRatioTokenizer) Encode(text string) ([]int, error) {
	return pseudoTokens(EstimateByCharCount(text, c.model)), nil
}

func (c *CharRatioTokenizer) Decode(_ []int) (string, error) {
	return "", fmt.Errorf("char ratio tokenizer does not support decode")
}

func (c *CharRatioTokenizer) MaxTokens() int {
	return maxTokensFor(c.model)
}

func (c *CharRatioTokenizer) Name() string {
	return fmt.Sprintf("char_ratio[%.1f]", CharsPerToken(c.model))
}

// EstimatorTokenizer is a character-count-based token estimator.
// It distinguishes CJK and ASCII characters for better accuracy
// compared to a naive len/4 approach.
type EstimatorTokenizer struct {
	model     string
	maxTokens int

	// charsPerToken is the ratio applied to non-CJK characters.
	charsPerToken float64
}

// NewEstimatorTokenizer creates a CJK-aware estimator.
func NewEstimatorTokenizer(model string, maxTokens int) *EstimatorTokenizer {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &EstimatorTokenizer{
		model:         model,
		maxTokens:     maxTokens,
		charsPerToken: DefaultCharsPerToken,
	}
}

// WithCharsPerToken overrides the non-CJK chars-per-token ratio.
func (e *EstimatorTokenizer) WithCharsPerToken(ratio float64) *EstimatorTokenizer {
	if ratio > 0 {
		e.charsPerToken = ratio
	}
	return e
}

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	// CJK characters ~1.5 chars/token.
	cjkTokens := float64(cjkCount) / 1.5
	otherTokens := float64(totalChars-cjkCount) / e.charsPerToken
	estimated := int(math.Ceil(cjkTokens + otherTokens))

	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *EstimatorTokenizer) CountMessages(messages []Message) (int, error) {
	total := 0
	for _, msg := range messages {
		tokens, err := e.CountTokens(msg.Content)
		if err != nil {
			return 0, err
		}
		total += tokens + perMessageOverhead
	}
	return total + conversationOverhead, nil
}

func (e *EstimatorTokenizer) Encode(text string) ([]int, error) {
	count, err := e.CountTokens(text)
	if err != nil {
		return nil, err
	}
	return pseudoTokens(count), nil
}

func (e *EstimatorTokenizer) Decode(_ []int) (string, error) {
	return "", fmt.Errorf("estimator tokenizer does not support decode")
}

func (e *EstimatorTokenizer) MaxTokens() int {
	return e.maxTokens
}

func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}

// pseudoTokens returns placeholder IDs; estimators cannot truly encode.
func pseudoTokens(n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = i
	}
	return tokens
}

func maxTokensFor(model string) int {
	if info, ok := modelEncodings[model]; ok {
		return info.maxTokens
	}
	return 8192
}

// isCJK returns true if the rune is a CJK character.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
