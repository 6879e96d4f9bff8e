package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/tokenest/tokenizer"
)

func TestPurgeMain(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set(tokenizer.CountCacheKey("cl100k_base", "a"), "1"))
	require.NoError(t, mr.Set(tokenizer.CountCacheKey("cl100k_base", "b"), "1"))
	require.NoError(t, mr.Set(tokenizer.CountCacheKey("o200k_base", "a"), "1"))

	var stdout, stderr bytes.Buffer
	code := purgeMain(context.Background(), []string{"--addr", mr.Addr(), "--encoding", "cl100k_base"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "Removed 2 cached counts (cl100k_base)\n", stdout.String())
	assert.True(t, mr.Exists(tokenizer.CountCacheKey("o200k_base", "a")))

	stdout.Reset()
	code = purgeMain(context.Background(), []string{"--addr", mr.Addr()}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "Removed 1 cached counts (all encodings)\n", stdout.String())
}

func TestPurgeMain_Errors(t *testing.T) {
	badConfig := filepath.Join(t.TempDir(), "tokenest.yaml")
	require.NoError(t, os.WriteFile(badConfig, []byte("server: [\n"), 0o600))

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{"positional args", []string{"extra"}, 2, "unexpected arguments"},
		{"unknown flag", []string{"--nope"}, 2, "flag provided but not defined"},
		{"malformed config", []string{"--config", badConfig}, 2, "failed to load config"},
		{"redis down", []string{"--addr", "127.0.0.1:1"}, 1, "connect redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := purgeMain(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code)
			assert.Contains(t, stderr.String(), tt.wantErr)
			assert.Empty(t, stdout.String())
		})
	}
}
