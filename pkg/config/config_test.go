package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	t.Setenv("LLM_API_KEY", "key-from-env")
	t.Setenv("SQL_URL", "")
	t.Setenv("SQL_KEY", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
  cors_origins:
    - https://app.example.com
llm:
  api_key: ${LLM_API_KEY}
  model: gpt-4o
database:
  driver: sqlite
  database: outlets.db
session:
  window: 5
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "key-from-env", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 5, *cfg.Session.Window)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched sections keep their defaults.
	assert.Equal(t, 60, cfg.Session.TTLMinutes)
	assert.Equal(t, 0.3, cfg.LLM.Temperature)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("LLM_API_KEY", "env-key")
	t.Setenv("PORT", "7777")
	t.Setenv("SESSION_WINDOW", "0")
	t.Setenv("SQL_URL", "postgres://app@db.example.com:5432/outlets")
	t.Setenv("SQL_KEY", "secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
llm:
  api_key: file-key
session:
  window: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.LLM.APIKey)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 0, *cfg.Session.Window)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Contains(t, cfg.Database.DSN(), "secret")
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("SQL_URL", "postgres://app:pw@db/outlets")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MY_VALUE", "hello")
	t.Setenv("EMPTY_VALUE", "")

	assert.Equal(t, "hello", expandEnvVars("${MY_VALUE}"))
	assert.Equal(t, "hello", expandEnvVars("$MY_VALUE"))
	assert.Equal(t, "hello", expandEnvVars("${MY_VALUE:-fallback}"))
	assert.Equal(t, "fallback", expandEnvVars("${EMPTY_VALUE:-fallback}"))
	assert.Equal(t, "no refs", expandEnvVars("no refs"))
}

func TestDatabaseDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "postgres fields",
			cfg: DatabaseConfig{
				Driver: "postgres", Host: "db", Port: 5432,
				Database: "outlets", Username: "app", Password: "pw", SSLMode: "require",
			},
			want: "host=db port=5432 dbname=outlets user=app password=pw sslmode=require",
		},
		{
			name: "postgres url with injected password",
			cfg: DatabaseConfig{
				Driver: "postgres", Password: "pw",
				URL: "postgres://app@db.example.com:5432/outlets",
			},
			want: "postgres://app:pw@db.example.com:5432/outlets",
		},
		{
			name: "postgres url keeps existing password",
			cfg: DatabaseConfig{
				Driver: "postgres", Password: "ignored",
				URL: "postgres://app:original@db/outlets",
			},
			want: "postgres://app:original@db/outlets",
		},
		{
			name: "sqlite path",
			cfg:  DatabaseConfig{Driver: "sqlite", Database: "outlets.db"},
			want: "outlets.db",
		},
		{
			name: "mysql url",
			cfg: DatabaseConfig{
				Driver: "mysql",
				URL:    "mysql://app:pw@db:3306/outlets",
			},
			want: "app:pw@tcp(db:3306)/outlets",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}

func TestInferDriver(t *testing.T) {
	assert.Equal(t, "postgres", inferDriver("postgres://a@b/c"))
	assert.Equal(t, "postgres", inferDriver("postgresql://a@b/c"))
	assert.Equal(t, "mysql", inferDriver("mysql://a@b/c"))
	assert.Equal(t, "sqlite", inferDriver("outlets.db"))
	assert.Equal(t, "postgres", inferDriver("db.example.com"))
}

func TestDriverName(t *testing.T) {
	assert.Equal(t, "sqlite3", (&DatabaseConfig{Driver: "sqlite"}).DriverName())
	assert.Equal(t, "postgres", (&DatabaseConfig{Driver: "postgres"}).DriverName())
}
