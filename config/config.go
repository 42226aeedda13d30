// Package config loads the server configuration from the environment, with
// optional .env file support for local development. The loaded Config is
// immutable after Load returns.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Transport names accepted in TRANSPORT_TYPE.
const (
	TransportStdio   = "stdio"
	TransportSSE     = "sse"
	TransportHTTP    = "http"
	TransportUnified = "unified"
)

// Config is the full server configuration.
type Config struct {
	// Transport selection and HTTP listener.
	Transport string `env:"TRANSPORT_TYPE,default=stdio"`
	Host      string `env:"HTTP_HOST,default=0.0.0.0"`
	Port      int    `env:"HTTP_PORT,default=3003"`

	// Bidirectional stream transport mode.
	Stateless bool `env:"HTTP_STATELESS,default=false"`

	// Session lifecycle.
	SessionIdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30m"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=1m"`

	// Firebird connection.
	DBHost     string `env:"FIREBIRD_HOST,default=localhost"`
	DBPort     int    `env:"FIREBIRD_PORT,default=3050"`
	DBPath     string `env:"FIREBIRD_DATABASE"`
	DBUser     string `env:"FIREBIRD_USER,default=SYSDBA"`
	DBPassword string `env:"FIREBIRD_PASSWORD,default=masterkey"`
	DBRole     string `env:"FIREBIRD_ROLE"`
	DBCharset  string `env:"FIREBIRD_CHARSET,default=UTF8"`

	// Query guard rails.
	QueryTimeout time.Duration `env:"QUERY_TIMEOUT,default=30s"`
	MaxRows      int           `env:"QUERY_MAX_ROWS,default=1000"`

	// Backup tooling.
	GbakPath  string `env:"GBAK_PATH,default=gbak"`
	GfixPath  string `env:"GFIX_PATH,default=gfix"`
	BackupDir string `env:"BACKUP_DIR,default=."`

	// Optional bearer-token authentication for the HTTP transports. Empty
	// secret disables authentication entirely.
	JWTSecret   string `env:"JWT_SECRET"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	// CORS_ORIGINS is a comma-separated origin list (semicolons also work);
	// empty means any.
	CORSOrigins []string `env:"CORS_ORIGINS"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load reads .env files (missing files are fine) and then the process
// environment.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	cfg.CORSOrigins = splitOrigins(cfg.CORSOrigins)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitOrigins re-splits the decoded origin list on commas. envdecode only
// splits slice fields on semicolons, but the documented separator is the
// comma, so a comma-separated value arrives here as a single element.
func splitOrigins(in []string) []string {
	var out []string
	for _, chunk := range in {
		for _, origin := range strings.Split(chunk, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportStdio, TransportSSE, TransportHTTP, TransportUnified:
	default:
		return fmt.Errorf("unknown TRANSPORT_TYPE %q: want stdio, sse, http or unified", c.Transport)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("FIREBIRD_DATABASE is required")
	}
	return nil
}

// ListenAddr returns the host:port pair for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN renders the connection string understood by the firebirdsql driver:
// user:password@host:port/database?charset=...&role=...
func (c *Config) DSN() string {
	dsn := fmt.Sprintf("%s:%s@%s:%d/%s",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPassword),
		c.DBHost,
		c.DBPort,
		c.DBPath,
	)

	params := url.Values{}
	if c.DBCharset != "" {
		params.Set("charset", c.DBCharset)
	}
	if c.DBRole != "" {
		params.Set("role", c.DBRole)
	}
	if len(params) > 0 {
		dsn += "?" + params.Encode()
	}
	return dsn
}
