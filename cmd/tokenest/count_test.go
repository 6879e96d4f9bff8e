package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/tokenest/tokenizer"
)

func newTestCountCommand(stdin string, load tokenizer.LoadFunc) (*countCommand, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	if load == nil {
		load = spaceLoader
	}
	return &countCommand{
		stdin:    strings.NewReader(stdin),
		stdout:   &stdout,
		stderr:   &stderr,
		loadFunc: load,
	}, &stdout, &stderr
}

func TestCountCommand_Args(t *testing.T) {
	cmd, stdout, stderr := newTestCountCommand("", nil)

	code := cmd.run(context.Background(), []string{"--model", "gpt-4", "one two", "three"})

	assert.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "3\n", stdout.String())
}

func TestCountCommand_Stdin(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		input string
		want  string
	}{
		{name: "whole input", args: []string{"--file", "-"}, input: "a b c\nd e\n", want: "5\n"},
		{name: "lines", args: []string{"--file", "-", "--lines"}, input: "a b c\r\n\nd e\n", want: "5\n"},
		{name: "empty input", args: []string{"--file", "-"}, input: "", want: "0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, stdout, stderr := newTestCountCommand(tt.input, nil)
			code := cmd.run(context.Background(), tt.args)
			assert.Equal(t, 0, code, stderr.String())
			assert.Equal(t, tt.want, stdout.String())
		})
	}
}

func TestCountCommand_FileAndJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha beta\n"+strings.Repeat("z", 1200)+"\n"), 0o600))

	cmd, stdout, stderr := newTestCountCommand("", nil)
	code := cmd.run(context.Background(), []string{"--file", path, "--lines", "--json"})
	require.Equal(t, 0, code, stderr.String())

	var res tokenizer.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.Equal(t, "gpt-4o", res.Model)
	assert.Equal(t, tokenizer.EncodingO200K, res.Encoding)
	require.Len(t, res.Items, 2)
	assert.Equal(t, tokenizer.MethodExact, res.Items[0].Method)
	assert.Equal(t, 2, res.Items[0].Tokens)
	assert.Equal(t, tokenizer.ReasonRepetitive, res.Items[1].Reason)
	// ceil(1200 / 3.8) = 316
	assert.Equal(t, 316, res.Items[1].Tokens)
	assert.Equal(t, 318, res.Total)
}

func TestCountCommand_Heuristic(t *testing.T) {
	failing := func(string) (tokenizer.Encoder, error) { return nil, errors.New("offline") }

	ratio, stdout, _ := newTestCountCommand("", failing)
	require.Equal(t, 0, ratio.run(context.Background(), []string{"--model", "gpt-4", "你好世界"}))
	assert.Equal(t, "1\n", stdout.String())

	cjk, stdout, _ := newTestCountCommand("", failing)
	require.Equal(t, 0, cjk.run(context.Background(), []string{"--model", "gpt-4", "--heuristic", "cjk", "你好世界"}))
	want := tokenizer.CJKHeuristic("你好世界", "gpt-4")
	assert.Equal(t, strings.TrimSpace(stdout.String()), strconv.Itoa(want))
}

func TestCountCommand_UsageErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.txt")
	tests := []struct {
		name string
		args []string
	}{
		{name: "no input", args: nil},
		{name: "file and args", args: []string{"--file", "-", "text"}},
		{name: "missing file", args: []string{"--file", path}},
		{name: "unknown heuristic", args: []string{"--heuristic", "magic", "text"}},
		{name: "unknown flag", args: []string{"--nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, stdout, stderr := newTestCountCommand("", nil)
			assert.Equal(t, 2, cmd.run(context.Background(), tt.args))
			assert.Empty(t, stdout.String())
			assert.NotEmpty(t, stderr.String())
		})
	}
}

func TestCountCommand_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cmd, stdout, stderr := newTestCountCommand("", nil)
	assert.Equal(t, 1, cmd.run(ctx, []string{"some text"}))
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "context canceled")
}
