package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BaSui01/tokenest/config"
	"github.com/BaSui01/tokenest/tokenizer"
)

// 单行最大长度（--lines 模式）
const maxLineBytes = 16 << 20

// =============================================================================
// 🔢 count 命令
// =============================================================================

// countCommand 估算命令行文本的 token 数
type countCommand struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// 为 nil 时使用 tiktoken 加载
	loadFunc tokenizer.LoadFunc
}

// run 返回进程退出码：0 成功，1 估算失败，2 参数错误
func (c *countCommand) run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	model := fs.String("model", config.DefaultTokenizerConfig().DefaultModel, "Model or encoding name")
	file := fs.String("file", "", `Read text from a file, "-" for stdin`)
	lines := fs.Bool("lines", false, "Treat every input line as a separate text")
	asJSON := fs.Bool("json", false, "Print the per-item result as JSON")
	heuristic := fs.String("heuristic", config.HeuristicRatio, "Fallback heuristic: ratio, cjk")
	bpeDir := fs.String("bpe-dir", "", "Directory with local .tiktoken tables")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	texts, err := c.readTexts(*file, *lines, fs.Args())
	if err != nil {
		fmt.Fprintf(c.stderr, "count: %v\n", err)
		return 2
	}

	opts, err := c.counterOptions(*heuristic, *bpeDir)
	if err != nil {
		fmt.Fprintf(c.stderr, "count: %v\n", err)
		return 2
	}

	res, err := tokenizer.NewCounter(*model, opts...).Count(ctx, texts)
	if err != nil {
		fmt.Fprintf(c.stderr, "count: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(c.stderr, "count: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintln(c.stdout, res.Total)
	return 0
}

// readTexts 按优先级读取输入：--file，其次位置参数
func (c *countCommand) readTexts(file string, splitLines bool, args []string) ([]string, error) {
	if file == "" {
		if len(args) == 0 {
			return nil, errors.New(`no input: pass text arguments or --file (use "-" for stdin)`)
		}
		return args, nil
	}
	if len(args) > 0 {
		return nil, errors.New("--file cannot be combined with text arguments")
	}

	var r io.Reader
	if file == "-" {
		r = c.stdin
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	if !splitLines {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		return []string{string(data)}, nil
	}

	var texts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		texts = append(texts, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return texts, nil
}

func (c *countCommand) counterOptions(heuristic, bpeDir string) ([]tokenizer.Option, error) {
	var opts []tokenizer.Option
	switch heuristic {
	case config.HeuristicRatio:
	case config.HeuristicCJK:
		opts = append(opts, tokenizer.WithHeuristic(tokenizer.CJKHeuristic))
	default:
		return nil, fmt.Errorf("unknown heuristic %q", heuristic)
	}

	if bpeDir != "" {
		tokenizer.UseDirLoader(bpeDir)
	}
	if c.loadFunc != nil {
		opts = append(opts, tokenizer.WithEncodingCache(tokenizer.NewEncodingCache(tokenizer.WithLoadFunc(c.loadFunc))))
	}
	return opts, nil
}
