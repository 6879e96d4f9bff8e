package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMigrateForTest(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := migrateMain(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestMigrate_Usage(t *testing.T) {
	code, _, stderr := runMigrateForTest()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Subcommands:")

	code, stdout, _ := runMigrateForTest("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "tokenest migrate")

	code, _, stderr = runMigrateForTest("goto")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown migrate subcommand: goto")
}

func TestMigrate_NoDriver(t *testing.T) {
	code, _, stderr := runMigrateForTest("status")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "driver not configured")
}

func TestMigrate_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	code, stdout, stderr := runMigrateForTest("up", "--db-type", "sqlite", "--db-url", dbPath)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "SQLite schema up to date")

	_, err := os.Stat(dbPath)
	assert.NoError(t, err)

	code, _, stderr = runMigrateForTest("down", "--db-type", "sqlite", "--db-url", dbPath)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "not supported for sqlite")
}

func TestMigrate_ForceArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing version", args: nil, want: "exactly one version"},
		{name: "bad version", args: []string{"abc"}, want: `invalid version "abc"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runMigrateSubcommand(context.Background(), nil, "force", tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMigrate_UnsupportedDriver(t *testing.T) {
	code, _, stderr := runMigrateForTest("up", "--db-type", "oracle")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unsupported database type")
}
