// Package config parses the server command line.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
)

// Version is reported by --version.
const Version = "0.1.0"

// Environment variables read when the matching flag is not given.
const (
	EnvJWTSecret = "PATCHSYNC_JWT_SECRET"
	EnvDSN       = "PATCHSYNC_DSN"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// DefaultSQLitePath is used for --store=sqlite without a DSN.
const DefaultSQLitePath = "patchsync.db"

const usage = `patchsync server.

Serves shared documents over HTTP and WebSocket. Without a JWT secret the
X-User-Id header is trusted, which is only suitable for development.

Usage:
    patchsync [--addr=<addr>] [--store=<store>] [--dsn=<dsn>]
        [--jwt-secret=<secret>] [--token-ttl=<duration>]
        [--snapshot-every=<n>] [--ping-interval=<duration>]
        [--log-level=<level>]
    patchsync -h | --help
    patchsync --version

Options:
    -h --help                   Show this screen.
    --version                   Show version.
    --addr=<addr>               Listen address [default: :8080].
    --store=<store>             memory, sqlite or postgres [default: memory].
    --dsn=<dsn>                 SQLite file or PostgreSQL URL.
    --jwt-secret=<secret>       HS256 secret for bearer tokens.
    --token-ttl=<duration>      Lifetime of issued tokens [default: 1h].
    --snapshot-every=<n>        Snapshot after n records, 0 never [default: 100].
    --ping-interval=<duration>  WebSocket ping interval [default: 30s].
    --log-level=<level>         debug, info, warn or error [default: info].`

// ErrUsage is returned for invalid arguments.
var ErrUsage = errors.New("invalid usage")

// HelpError is returned for --help and --version. Its text is what should
// be printed.
type HelpError struct {
	Text string
}

func (e *HelpError) Error() string {
	return e.Text
}

// Config is the server configuration.
type Config struct {
	Addr          string
	Store         string
	DSN           string
	JWTSecret     string
	TokenTTL      time.Duration
	SnapshotEvery int
	PingInterval  time.Duration
	LogLevel      slog.Level
}

// Parse reads the command line arguments (without the program name).
// getenv fills the secret and the DSN when their flags are absent.
func Parse(argv []string, getenv func(string) string) (Config, error) {
	var help string

	parser := &docopt.Parser{
		HelpHandler: func(err error, text string) {
			if err == nil {
				help = text
			}
		},
	}

	opts, err := parser.ParseArgs(usage, argv, Version)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	if help != "" {
		return Config{}, &HelpError{Text: help}
	}

	cfg := Config{
		Addr:      str(opts, "--addr"),
		Store:     str(opts, "--store"),
		DSN:       str(opts, "--dsn"),
		JWTSecret: str(opts, "--jwt-secret"),
	}

	if getenv != nil {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = getenv(EnvJWTSecret)
		}

		if cfg.DSN == "" {
			cfg.DSN = getenv(EnvDSN)
		}
	}

	if cfg.SnapshotEvery, err = strconv.Atoi(str(opts, "--snapshot-every")); err != nil || cfg.SnapshotEvery < 0 {
		return Config{}, fmt.Errorf("%w: --snapshot-every must be a non-negative integer", ErrUsage)
	}

	if cfg.TokenTTL, err = duration(opts, "--token-ttl"); err != nil {
		return Config{}, err
	}

	if cfg.PingInterval, err = duration(opts, "--ping-interval"); err != nil {
		return Config{}, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(str(opts, "--log-level"))); err != nil {
		return Config{}, fmt.Errorf("%w: --log-level: %w", ErrUsage, err)
	}

	switch cfg.Store {
	case StoreMemory:
	case StoreSQLite:
		if cfg.DSN == "" {
			cfg.DSN = DefaultSQLitePath
		}
	case StorePostgres:
		if cfg.DSN == "" {
			return Config{}, fmt.Errorf("%w: --store=postgres needs --dsn or %s", ErrUsage, EnvDSN)
		}
	default:
		return Config{}, fmt.Errorf("%w: unknown store %q", ErrUsage, cfg.Store)
	}

	return cfg, nil
}

func str(opts docopt.Opts, key string) string {
	s, _ := opts.String(key)

	return s
}

func duration(opts docopt.Opts, key string) (time.Duration, error) {
	d, err := time.ParseDuration(str(opts, key))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration", ErrUsage, key)
	}

	return d, nil
}
