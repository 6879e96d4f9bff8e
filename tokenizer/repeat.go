package tokenizer

// DefaultRepeatThreshold 连续重复字符达到该长度时视为病态文本。
const DefaultRepeatThreshold = 1000

// HasLongSequentialRepeat 判断文本中是否存在同一字符连续出现至少 threshold 次。
// BPE 编码在这类输入上开销极大，调用方应改用估算。
func HasLongSequentialRepeat(text string, threshold int) bool {
	// 字节数小于阈值时字符数必然更小。
	if threshold <= 0 || len(text) < threshold {
		return false
	}

	var (
		prev  rune
		count int
	)
	for _, r := range text {
		if count > 0 && r == prev {
			count++
		} else {
			prev = r
			count = 1
		}
		if count >= threshold {
			return true
		}
	}
	return false
}
