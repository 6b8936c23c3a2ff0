package storage

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/urbanflux-io/urbanflux/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultPGPort          = "5432"
	defaultPGSSLMode       = "disable"
)

var (
	// ErrDatabaseURLEmpty is returned when neither DATABASE_URL nor PGHOST is set.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrPoolTooSmall is returned when the pool cannot hold the run lock and a query at once.
	ErrPoolTooSmall = errors.New("connection pool too small")
)

// minOpenConns covers the connection pinned by the run lock plus one for queries.
const minOpenConns = 2

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
//
// DATABASE_URL wins when set. Otherwise the URL is composed from the libpq
// variables PGHOST, PGPORT, PGUSER, PGPASSWORD, PGDATABASE and PGSSLMODE.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     databaseURLFromEnv(), // DatabaseURL is private for obvious reasons.
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// NewConfig returns a Config for databaseURL with default pool settings.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	// Zero means unlimited in database/sql.
	if c.MaxOpenConns > 0 && c.MaxOpenConns < minOpenConns {
		return fmt.Errorf("%w: DATABASE_MAX_OPEN_CONNS=%d, need at least %d",
			ErrPoolTooSmall, c.MaxOpenConns, minOpenConns)
	}

	return nil
}

// IsSet reports whether any database location was configured. Dry runs use it
// to decide whether the watermark can be read.
func (c *Config) IsSet() bool {
	return strings.TrimSpace(c.databaseURL) != ""
}

// DatabaseURL returns the unmasked URL. Never log it; use MaskDatabaseURL.
func (c *Config) DatabaseURL() string {
	return c.databaseURL
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	// The last @ separates userinfo from host
	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 || colonIndex == len(userInfo)-1 {
		// No password to hide
		return c.databaseURL
	}

	return c.databaseURL[:schemeEnd] + "://" + userInfo[:colonIndex] + ":***" + afterScheme[lastAtIndex:]
}

func databaseURLFromEnv() string {
	if dsn := config.GetEnvStr("DATABASE_URL", ""); dsn != "" {
		return dsn
	}

	host := config.GetEnvStr("PGHOST", "")
	if host == "" {
		return ""
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, config.GetEnvStr("PGPORT", defaultPGPort)),
		Path:   "/" + config.GetEnvStr("PGDATABASE", "postgres"),
	}

	user := config.GetEnvStr("PGUSER", "postgres")
	if password := config.GetEnvStr("PGPASSWORD", ""); password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}

	q := url.Values{}
	q.Set("sslmode", config.GetEnvStr("PGSSLMODE", defaultPGSSLMode))
	u.RawQuery = q.Encode()

	return u.String()
}
