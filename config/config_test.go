package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("FIREBIRD_DATABASE", "/var/lib/firebird/data/employee.fdb")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load("testdata/nonexistent.env")
	require.NoError(t, err)

	assert.Equal(t, TransportStdio, cfg.Transport)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 3003, cfg.Port)
	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, 3050, cfg.DBPort)
	assert.Equal(t, "SYSDBA", cfg.DBUser)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, time.Minute, cfg.SessionSweepInterval)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 1000, cfg.MaxRows)
	assert.False(t, cfg.Stateless)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSPORT_TYPE", "unified")
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("HTTP_STATELESS", "true")
	t.Setenv("SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("CORS_ORIGINS", "https://a.example;https://b.example")

	cfg, err := Load("testdata/nonexistent.env")
	require.NoError(t, err)

	assert.Equal(t, TransportUnified, cfg.Transport)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Stateless)
	assert.Equal(t, 5*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}

func TestLoadCORSOriginsCommaSeparated(t *testing.T) {
	setRequired(t)
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("testdata/nonexistent.env")
	require.NoError(t, err)

	// The documented separator is the comma; it must never collapse into one
	// bogus origin.
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	setRequired(t)
	t.Setenv("TRANSPORT_TYPE", "carrier-pigeon")

	_, err := Load("testdata/nonexistent.env")
	assert.Error(t, err)
}

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("FIREBIRD_DATABASE", "")

	_, err := Load("testdata/nonexistent.env")
	assert.Error(t, err)
}

func TestDSNRendering(t *testing.T) {
	setRequired(t)
	t.Setenv("FIREBIRD_USER", "APP")
	t.Setenv("FIREBIRD_PASSWORD", "s3cret")
	t.Setenv("FIREBIRD_ROLE", "READERS")

	cfg, err := Load("testdata/nonexistent.env")
	require.NoError(t, err)

	dsn := cfg.DSN()
	assert.Contains(t, dsn, "APP:s3cret@localhost:3050//var/lib/firebird/data/employee.fdb")
	assert.Contains(t, dsn, "charset=UTF8")
	assert.Contains(t, dsn, "role=READERS")
}

func TestDSNEscapesCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("FIREBIRD_PASSWORD", "p@ss:word")

	cfg, err := Load("testdata/nonexistent.env")
	require.NoError(t, err)

	assert.Contains(t, cfg.DSN(), "p%40ss%3Aword")
}
