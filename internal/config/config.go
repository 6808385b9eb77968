// Package config reads process settings from the environment. A .env file
// in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

type Config struct {
	HTTPAddr string
	AppEnv   string
	LogLevel string

	Store       Backend
	RedisURL    string
	SQLitePath  string
	PostgresDSN string
	StorePoll   time.Duration
	ArchiveDSN  string

	QuestionDurationMs int64
	RevealDelay        time.Duration
	CodeRetries        int
	FailoverGrace      time.Duration

	PublicURL      string
	OriginPatterns []string
	RatePerSec     float64
	RateBurst      int
}

func (c Config) Production() bool { return c.AppEnv == "production" }

func Load() (Config, error) {
	// missing .env is fine
	_ = godotenv.Load()

	c := Config{
		HTTPAddr:       str("HTTP_ADDR", ":8080"),
		AppEnv:         str("APP_ENV", "development"),
		LogLevel:       str("LOG_LEVEL", "info"),
		Store:          Backend(strings.ToLower(str("STORE_BACKEND", string(BackendMemory)))),
		RedisURL:       str("REDIS_URL", "localhost:6379"),
		SQLitePath:     str("SQLITE_PATH", "trivia.db"),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		ArchiveDSN:     os.Getenv("ARCHIVE_DSN"),
		PublicURL:      str("PUBLIC_URL", "http://localhost:5173"),
		OriginPatterns: list("ALLOWED_ORIGINS"),
	}

	var err error
	var ms int64
	ms, err = millis("QUESTION_DURATION_MS", 30000, err)
	c.QuestionDurationMs = ms
	ms, err = millis("REVEAL_DELAY_MS", 2000, err)
	c.RevealDelay = time.Duration(ms) * time.Millisecond
	ms, err = millis("STORE_POLL_MS", 500, err)
	c.StorePoll = time.Duration(ms) * time.Millisecond
	ms, err = millis("FAILOVER_GRACE_MS", 0, err)
	c.FailoverGrace = time.Duration(ms) * time.Millisecond
	ms, err = millis("CODE_RETRIES", 20, err)
	c.CodeRetries = int(ms)
	ms, err = millis("RATE_LIMIT_BURST", 10, err)
	c.RateBurst = int(ms)

	c.RatePerSec = 5
	if v := os.Getenv("RATE_LIMIT_PER_SEC"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil || f <= 0 {
			err = multierr.Append(err, fmt.Errorf("RATE_LIMIT_PER_SEC: invalid number %q", v))
		} else {
			c.RatePerSec = f
		}
	}

	switch c.Store {
	case BackendMemory, BackendRedis, BackendSQLite:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			err = multierr.Append(err, fmt.Errorf("POSTGRES_DSN: required for the postgres backend"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("STORE_BACKEND: unknown backend %q", c.Store))
	}
	if err != nil {
		return Config{}, err
	}
	return c, nil
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func list(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// millis parses a non-negative integer, collecting failures into err.
func millis(key string, def int64, err error) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, err
	}
	n, perr := strconv.ParseInt(v, 10, 64)
	if perr != nil || n < 0 {
		return def, multierr.Append(err, fmt.Errorf("%s: invalid number %q", key, v))
	}
	return n, err
}
