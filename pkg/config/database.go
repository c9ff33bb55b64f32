package config

import (
	"fmt"
	"net/url"
	"strings"
)

// DatabaseConfig describes the outlet database connection. Either URL
// carries a full connection string (postgres://, mysql://, or a SQLite
// file path) or the individual fields are set.
type DatabaseConfig struct {
	// URL is a full connection string. When set it takes precedence over
	// the individual fields; Password is still injected if the URL does
	// not carry one.
	URL string `yaml:"url"`

	// Driver is "postgres", "mysql", or "sqlite".
	Driver string `yaml:"driver"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxConns int `yaml:"max_conns"`
	MaxIdle  int `yaml:"max_idle"`
}

// SetDefaults applies driver-specific defaults, inferring the driver from
// the URL scheme when needed.
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = inferDriver(c.URL)
	}

	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}

	if c.Port == 0 {
		switch c.Driver {
		case "postgres":
			c.Port = 5432
		case "mysql":
			c.Port = 3306
		}
	}

	if c.Driver == "postgres" && c.SSLMode == "" {
		c.SSLMode = "require"
	}
}

func inferDriver(rawURL string) string {
	switch {
	case rawURL == "":
		return "postgres"
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(rawURL, "mysql://"):
		return "mysql"
	case strings.HasSuffix(rawURL, ".db"), strings.HasSuffix(rawURL, ".sqlite"):
		return "sqlite"
	default:
		return "postgres"
	}
}

// Validate checks the connection settings.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "postgres", "mysql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid driver %q (valid: postgres, mysql, sqlite)", c.Driver)
	}

	if c.URL == "" && c.Database == "" {
		return fmt.Errorf("either url or database is required (set SQL_URL)")
	}

	if c.URL == "" && c.Driver != "sqlite" && c.Driver != "sqlite3" && c.Host == "" {
		return fmt.Errorf("host is required for %s", c.Driver)
	}

	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns must be non-negative")
	}
	if c.MaxIdle < 0 {
		return fmt.Errorf("max_idle must be non-negative")
	}
	return nil
}

// DSN returns the connection string for sql.Open.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.urlDSN()
	}

	switch c.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s", c.Host, c.Port, c.Database)
		if c.Username != "" {
			dsn += fmt.Sprintf(" user=%s", c.Username)
		}
		if c.Password != "" {
			dsn += fmt.Sprintf(" password=%s", c.Password)
		}
		if c.SSLMode != "" {
			dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
		}
		return dsn
	case "mysql":
		if c.Username != "" {
			return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
				c.Username, c.Password, c.Host, c.Port, c.Database)
		}
		return fmt.Sprintf("tcp(%s:%d)/%s", c.Host, c.Port, c.Database)
	case "sqlite", "sqlite3":
		return c.Database
	default:
		return ""
	}
}

// urlDSN normalizes the URL form, injecting the password credential when
// the URL itself carries none.
func (c *DatabaseConfig) urlDSN() string {
	if c.Driver == "sqlite" || c.Driver == "sqlite3" {
		return c.URL
	}

	parsed, err := url.Parse(c.URL)
	if err != nil {
		return c.URL
	}

	if c.Password != "" && parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); !hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), c.Password)
		}
	}

	if c.Driver == "mysql" {
		// The mysql driver wants user:pass@tcp(host:port)/db, not a URL.
		user := parsed.User
		if user == nil {
			user = url.User("")
		}
		password, _ := user.Password()
		return fmt.Sprintf("%s:%s@tcp(%s)/%s",
			user.Username(), password, parsed.Host, strings.TrimPrefix(parsed.Path, "/"))
	}
	return parsed.String()
}

// DriverName returns the name registered with database/sql.
func (c *DatabaseConfig) DriverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}
