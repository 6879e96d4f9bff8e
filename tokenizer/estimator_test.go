package tokenizer

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharsPerToken(t *testing.T) {
	tests := []struct {
		model    string
		expected float64
	}{
		{model: "gpt-4o", expected: 3.8},
		{model: "gpt-4", expected: 4.0},
		{model: "gpt-3.5-turbo", expected: 4.0},
		{model: "cl100k_base", expected: 4.0},
		{model: "o200k_base", expected: 3.5},
		{model: "p50k_base", expected: 4.2},
		{model: "r50k_base", expected: 4.2},
		// 只按字面名称查表，不经过编码解析
		{model: "gpt-4o-mini", expected: 4.0},
		{model: "gpt-4o-2024-08-06", expected: 4.0},
		{model: "text-davinci-003", expected: 4.0},
		{model: "GPT-4O", expected: 4.0},
		{model: "unknown-model", expected: 4.0},
		{model: "", expected: 4.0},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CharsPerToken(tt.model), 1e-9)
		})
	}
}

func TestEstimateByCharCount(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		model    string
		expected int
	}{
		{name: "empty", text: "", model: "gpt-4", expected: 0},
		{name: "exact multiple", text: "abcd", model: "gpt-4", expected: 1},
		{name: "rounds up", text: "abcde", model: "gpt-4", expected: 2},
		{name: "single char", text: "a", model: "gpt-4", expected: 1},
		{name: "gpt-4o ratio", text: strings.Repeat("x", 38), model: "gpt-4o", expected: 10},
		{name: "gpt-4o ratio rounds up", text: strings.Repeat("x", 39), model: "gpt-4o", expected: 11},
		{name: "o200k ratio", text: strings.Repeat("x", 7), model: "o200k_base", expected: 2},
		{name: "counts runes not bytes", text: "你好世界", model: "gpt-4", expected: 1},
		{name: "unknown model uses default", text: strings.Repeat("y", 9), model: "mystery", expected: 3},
		{name: "dated variant uses default", text: strings.Repeat("z", 35), model: "gpt-4o-mini", expected: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EstimateByCharCount(tt.text, tt.model))
		})
	}
}

func TestEstimateByCharCount_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("non-empty text estimates between 1 and rune count", prop.ForAll(
		func(s string, model string) bool {
			n := EstimateByCharCount(s, model)
			if s == "" {
				return n == 0
			}
			return n >= 1 && n <= utf8.RuneCountInString(s)
		},
		gen.AnyString(),
		gen.OneConstOf("gpt-4o", "gpt-4", "o200k_base", "p50k_base", "unknown"),
	))

	properties.Property("estimate is monotonic in text length", prop.ForAll(
		func(a, b string) bool {
			return EstimateByCharCount(a+b, "gpt-4") >= EstimateByCharCount(a, "gpt-4")
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestCharRatioTokenizer(t *testing.T) {
	tok := NewCharRatioTokenizer("gpt-4")

	n, err := tok.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := tok.Encode("abcdefgh")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = tok.Decode(ids)
	assert.Error(t, err)

	total, err := tok.CountMessages([]Message{{Role: "user", Content: "abcdefgh"}})
	require.NoError(t, err)
	// 4 开销 + 2 内容 + 1 角色 + 3 会话结束
	assert.Equal(t, 10, total)

	assert.Equal(t, 8192, tok.MaxTokens())
	assert.Equal(t, "char_ratio[4.0]", tok.Name())
}

func TestEstimatorTokenizer_CountTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{name: "empty", text: "", expected: 0},
		{name: "ascii", text: "hello world!", expected: 3},
		{name: "cjk", text: "你好世", expected: 2},
		{name: "mixed", text: "你好 abc", expected: 3},
		{name: "single char never zero", text: "a", expected: 1},
	}

	est := NewEstimatorTokenizer("gpt-4", 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := est.CountTokens(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
		})
	}
}

func TestEstimatorTokenizer_Defaults(t *testing.T) {
	est := NewEstimatorTokenizer("m", 0)
	assert.Equal(t, 4096, est.MaxTokens())
	assert.Equal(t, "estimator", est.Name())

	est.WithCharsPerToken(-1)
	n, err := est.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "non-positive ratio is ignored")

	est.WithCharsPerToken(2)
	n, err = est.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	total, err := est.CountMessages([]Message{{Role: "user", Content: "abcdefgh"}, {Role: "assistant", Content: "ab"}})
	require.NoError(t, err)
	assert.Equal(t, 4+4+1+4+3, total)

	_, err = est.Decode(nil)
	assert.Error(t, err)
}

func TestCJKHeuristic(t *testing.T) {
	assert.Equal(t, 0, CJKHeuristic("", "gpt-4"))
	assert.Equal(t, 2, CJKHeuristic("你好世", "gpt-4"))
	assert.Equal(t, 3, CJKHeuristic("hello world!", "gpt-4"))
}
