package migration

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/tokenest/config"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", "postgres", DatabaseTypePostgres, false},
		{"postgresql", "postgresql", DatabaseTypePostgres, false},
		{"pg", "pg", DatabaseTypePostgres, false},
		{"mysql", "mysql", DatabaseTypeMySQL, false},
		{"mariadb", "mariadb", DatabaseTypeMySQL, false},
		{"uppercase", "POSTGRES", DatabaseTypePostgres, false},
		{"sqlite", "sqlite", "", true},
		{"invalid", "invalid", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

func TestParseDatabaseType_SQLiteIsUnsupported(t *testing.T) {
	_, err := ParseDatabaseType("sqlite3")
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}

func TestAvailableMigrations(t *testing.T) {
	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL} {
		t.Run(string(dbType), func(t *testing.T) {
			migrations, err := AvailableMigrations(dbType)
			require.NoError(t, err)
			require.NotEmpty(t, migrations)

			assert.Equal(t, uint(1), migrations[0].Version)
			assert.Equal(t, "create_estimate_records", migrations[0].Name)
			for i := 1; i < len(migrations); i++ {
				assert.Greater(t, migrations[i].Version, migrations[i-1].Version)
			}
		})
	}

	_, err := AvailableMigrations("oracle")
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.Error(t, err)

	_, err = NewMigrator(&Config{DatabaseType: DatabaseTypePostgres})
	assert.Error(t, err)

	_, err = NewMigrator(&Config{DatabaseType: "oracle", DSN: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)

	_, err = NewMigratorFromDatabaseConfig(config.DatabaseConfig{Driver: "sqlite", Name: "x.db"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}

func TestDefaultMigrator_ClosedAndCanceled(t *testing.T) {
	m := &DefaultMigrator{dbType: DatabaseTypePostgres}
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorContains(t, m.Up(context.Background()), "migrator is closed")
	_, _, err := m.Version(context.Background())
	assert.ErrorContains(t, err, "migrator is closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Down(ctx), context.Canceled)
	_, err = m.Info(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildStatusAndInfo(t *testing.T) {
	migrations := []MigrationFile{{Version: 1, Name: "a"}, {Version: 2, Name: "b"}, {Version: 3, Name: "c"}}

	statuses := buildStatus(migrations, 2, true)
	require.Len(t, statuses, 3)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[0].Dirty)
	assert.True(t, statuses[1].Applied)
	assert.True(t, statuses[1].Dirty)
	assert.False(t, statuses[2].Applied)

	info := buildInfo(migrations, 2, false)
	assert.Equal(t, &MigrationInfo{CurrentVersion: 2, TotalMigrations: 3, AppliedMigrations: 2, PendingMigrations: 1}, info)
}

// =============================================================================
// CLI
// =============================================================================

type fakeMigrator struct {
	version uint
	dirty   bool
	upErr   error
}

func (f *fakeMigrator) Up(context.Context) error {
	if f.upErr != nil {
		return f.upErr
	}
	f.version = 1
	return nil
}

func (f *fakeMigrator) Down(context.Context) error {
	if f.version > 0 {
		f.version--
	}
	return nil
}

func (f *fakeMigrator) Force(_ context.Context, v int) error {
	f.version, f.dirty = uint(v), false
	return nil
}

func (f *fakeMigrator) Version(context.Context) (uint, bool, error) {
	return f.version, f.dirty, nil
}

func (f *fakeMigrator) Status(context.Context) ([]MigrationStatus, error) {
	migrations, err := AvailableMigrations(DatabaseTypePostgres)
	if err != nil {
		return nil, err
	}
	return buildStatus(migrations, f.version, f.dirty), nil
}

func (f *fakeMigrator) Info(context.Context) (*MigrationInfo, error) {
	migrations, err := AvailableMigrations(DatabaseTypePostgres)
	if err != nil {
		return nil, err
	}
	return buildInfo(migrations, f.version, f.dirty), nil
}

func (f *fakeMigrator) Close() error { return nil }

func TestCLI_Output(t *testing.T) {
	ctx := context.Background()
	m := &fakeMigrator{}
	cli := NewCLI(m)
	var buf bytes.Buffer
	cli.SetOutput(&buf)

	require.NoError(t, cli.RunVersion(ctx))
	assert.Contains(t, buf.String(), "none (empty schema)")

	buf.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	assert.Contains(t, buf.String(), "create_estimate_records")
	assert.Contains(t, buf.String(), "pending")
	assert.Contains(t, buf.String(), "1 of 1 migrations pending")

	buf.Reset()
	require.NoError(t, cli.RunUp(ctx))
	assert.Contains(t, buf.String(), "Done. Schema version: 1")

	buf.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	assert.Contains(t, buf.String(), "applied")
	assert.Contains(t, buf.String(), "0 of 1 migrations pending")

	m.dirty = true
	buf.Reset()
	require.NoError(t, cli.RunVersion(ctx))
	assert.Contains(t, buf.String(), "1 (dirty")

	buf.Reset()
	require.NoError(t, cli.RunForce(ctx, 1))
	assert.Contains(t, buf.String(), "Forcing schema version to 1")
	assert.Contains(t, buf.String(), "Done. Schema version: 1\n")

	buf.Reset()
	require.NoError(t, cli.RunDown(ctx))
	assert.Contains(t, buf.String(), "Done. Schema version: none")

	buf.Reset()
	require.NoError(t, cli.RunInfo(ctx))
	assert.Contains(t, buf.String(), "pending:")
	assert.Contains(t, buf.String(), "embedded migrations:")
}

func TestCLI_Failures(t *testing.T) {
	cli := NewCLI(&fakeMigrator{upErr: errors.New("boom")})
	cli.SetOutput(&bytes.Buffer{})

	err := cli.RunUp(context.Background())
	assert.ErrorContains(t, err, "up: boom")

	err = cli.RunForce(context.Background(), -1)
	assert.ErrorContains(t, err, "must not be negative")
}
