package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// ClientConfig satisfies the go-persistence-bun config contract.
type ClientConfig struct {
	Driver         string
	DSN            string
	Debug          bool
	PingTimeout    time.Duration
	OtelIdentifier string
	MaxOpenConns   int
}

func (c ClientConfig) GetDebug() bool {
	return c.Debug
}

func (c ClientConfig) GetDriver() string {
	return c.Driver
}

func (c ClientConfig) GetServer() string {
	return c.DSN
}

func (c ClientConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c ClientConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.OtelIdentifier) == "" {
		return "go-ingress"
	}
	return c.OtelIdentifier
}

// OpenPostgres opens a lib/pq connection wrapped in a persistence client.
func OpenPostgres(cfg ClientConfig) (*persistence.Client, error) {
	cfg.Driver = "postgres"
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: postgres dsn is required")
	}
	sqlDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	client, err := persistence.New(cfg, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: postgres persistence client: %w", err)
	}
	return client, nil
}

// OpenSQLite opens a go-sqlite3 database. The connection pool is pinned to
// one connection since sqlite serializes writers.
func OpenSQLite(cfg ClientConfig) (*persistence.Client, error) {
	cfg.Driver = "sqlite3"
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlstore: sqlite dsn is required")
	}
	sqlDB, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: sqlite persistence client: %w", err)
	}
	return client, nil
}
