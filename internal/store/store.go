// Package store is append-only durable log of telemetry records.
//
// Store contract:
// - Append is atomic: row is fully written or nothing
// - no retries inside store, caller decides
// - rows are never updated or deleted
package store

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/fire-relay/internal/telemetry"
	"github.com/temoto/fire-relay/log2"
)

const TableName = "fire_telemetry"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const DefaultRecentLimit = 100

type Storer interface {
	// EnsureSchema creates table if not exists.
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, r telemetry.Record) error
	// Recent returns at most limit newest rows, newest first.
	Recent(ctx context.Context, limit int) ([]telemetry.Row, error)
	Close() error
}

type Config struct {
	Driver   string `hcl:"driver"`
	DSN      string `hcl:"dsn"`
	PoolSize int    `hcl:"pool_size"`
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "", DriverSQLite, DriverPostgres:
	default:
		return errors.NotValidf("store driver=%s", c.Driver)
	}
	if c.DSN == "" {
		return errors.NotValidf("store dsn=empty")
	}
	if c.PoolSize < 0 {
		return errors.NotValidf("store pool_size=%d", c.PoolSize)
	}
	return nil
}

func Open(ctx context.Context, log *log2.Log, c Config) (Storer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(c.Driver) {
	case DriverPostgres:
		return OpenPostgres(ctx, log, c.DSN, c.PoolSize)
	default:
		return OpenSQLite(log, c.DSN, c.PoolSize)
	}
}

func limitDefault(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
