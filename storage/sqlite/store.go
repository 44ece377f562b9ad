// Package sqlite provides a SQLite implementation of the conflictkit Store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/storage/sqldb"
)

// DriverName is the database/sql driver registered by this package. It is
// go-sqlite3 with the connection pragmas below applied to every new
// connection.
const DriverName = "sqlite3_conflictkit"

// Pragmas run on every new connection.
var Pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA cache_size = -20000",
	"PRAGMA foreign_keys = ON",
}

var registerOnce sync.Once

func register() {
	registerOnce.Do(func() {
		sql.Register(DriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				for _, p := range Pragmas {
					if _, err := conn.Exec(p, nil); err != nil {
						return fmt.Errorf("%s: %w", p, err)
					}
				}
				return nil
			},
		})
	})
}

// Config holds configuration options for the SQLite store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the path or URI of the SQLite database.
	// Example: "file:documents.db"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, "_journal_mode=WAL" is added to DataSourceName.
	EnableWAL bool

	// Logger defaults to the package logger tagged with component sqlite-store.
	Logger *logging.Logger

	// TableName is the name of the documents table.
	// Defaults to "documents" if empty.
	TableName string

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "documents"
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component("sqlite-store"))
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if inMemory(c.DataSourceName) {
		// Every connection to :memory: is a separate database.
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
		c.EnableWAL = false
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

func inMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is a conflictkit.Store backed by SQLite.
type Store struct {
	*sqldb.Store
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database described by config and creates the table.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	register()

	logger := config.Logger
	logger.InfoContext(context.Background(), "opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open(DriverName, config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Unavailable(errors.OpOpen, errors.Component("sqlite-store"), fmt.Errorf("failed to connect to sqlite database: %w", err))
	}

	store, err := sqldb.New(db, sqldb.SQLite, config.TableName, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.InfoContext(context.Background(), "SQLite store initialized",
		slog.String("table_name", config.TableName),
		slog.Int("max_open_conns", config.MaxOpenConns),
	)
	return &Store{Store: store}, nil
}
