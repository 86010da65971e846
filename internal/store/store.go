package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported directory drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options selects the backing database. An empty Driver means SQLite; an
// empty DSN with SQLite means an in-memory database unless DataDir is set.
type Options struct {
	Driver  string
	DSN     string
	DataDir string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Store is the durable account directory. It persists admin accounts, local
// credentials and the audit ledger table.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

// Open connects to the configured database and applies migrations.
func Open(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		sqlDriver string
		dsn       string
		d         dialect
	)
	switch driver {
	case DriverSQLite:
		sqlDriver, d = "sqlite", sqliteDialect
		switch {
		case opts.DSN != "":
			dsn = opts.DSN
		case opts.DataDir != "":
			if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "gatehouse.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		default:
			dsn = ":memory:"
		}
	case DriverPostgres:
		sqlDriver, d, dsn = "pgx", postgresDialect, opts.DSN
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		// Timestamps must come back as time.Time in UTC.
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		sqlDriver, d, dsn = "mysql", mysqlDialect, cfg.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported directory driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("directory driver %q requires a dsn", driver)
	}

	db, err := sqlx.Connect(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open directory database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite doesn't support concurrent writers; an in-memory database
		// also only exists for a single connection.
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns / 2)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	s := &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate directory database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the directory driver name in use.
func (s *Store) Driver() string {
	return s.dialect.name
}

// isUniqueViolation matches the duplicate-key errors of all three drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
