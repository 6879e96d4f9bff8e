package tokenizer

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/pkoukk/tiktoken-go"
)

// DirLoader 从本地目录读取 .tiktoken 编码表，供无法访问外网的部署使用。
// 文件名取自 tiktoken 请求的 URL 末段，例如 cl100k_base.tiktoken。
type DirLoader struct {
	dir      string
	fallback tiktoken.BpeLoader
}

var _ tiktoken.BpeLoader = (*DirLoader)(nil)

// NewDirLoader 创建目录加载器。fallback 非 nil 时，目录中缺失的文件交给它加载。
func NewDirLoader(dir string, fallback tiktoken.BpeLoader) *DirLoader {
	return &DirLoader{dir: dir, fallback: fallback}
}

// UseDirLoader 将目录加载器注册为 tiktoken-go 的全局加载器。
func UseDirLoader(dir string) {
	tiktoken.SetBpeLoader(NewDirLoader(dir, nil))
}

// LoadTiktokenBpe 实现 tiktoken.BpeLoader。
func (l *DirLoader) LoadTiktokenBpe(tiktokenBpeFile string) (map[string]int, error) {
	name := path.Base(tiktokenBpeFile)
	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && l.fallback != nil {
			return l.fallback.LoadTiktokenBpe(tiktokenBpeFile)
		}
		return nil, fmt.Errorf("open bpe file %s: %w", name, err)
	}
	defer f.Close()

	ranks, err := ParseBPE(f)
	if err != nil {
		return nil, fmt.Errorf("parse bpe file %s: %w", name, err)
	}
	return ranks, nil
}

// ParseBPE 解析 tiktoken 编码表：每行 "<base64 token> <rank>"。
func ParseBPE(r io.Reader) (map[string]int, error) {
	ranks := make(map[string]int)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		sep := bytes.IndexByte(line, ' ')
		if sep <= 0 {
			return nil, fmt.Errorf("line %d: missing rank", lineNo)
		}
		token, err := base64.StdEncoding.DecodeString(string(line[:sep]))
		if err != nil {
			return nil, fmt.Errorf("line %d: decode token: %w", lineNo, err)
		}
		rank, err := strconv.Atoi(string(bytes.TrimSpace(line[sep+1:])))
		if err != nil {
			return nil, fmt.Errorf("line %d: parse rank: %w", lineNo, err)
		}
		ranks[string(token)] = rank
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(ranks) == 0 {
		return nil, errors.New("empty bpe table")
	}
	return ranks, nil
}
