package store

import (
	"fmt"
	"strings"
)

// dialect captures the column types that differ between the supported
// databases. Everything else in the schema is portable SQL.
type dialect struct {
	name      string
	key       string // indexed text column
	text      string
	boolean   string
	timestamp string
	integer   string
}

var (
	sqliteDialect = dialect{
		name: DriverSQLite, key: "TEXT", text: "TEXT", boolean: "INTEGER",
		timestamp: "DATETIME", integer: "INTEGER",
	}
	postgresDialect = dialect{
		name: DriverPostgres, key: "VARCHAR(191)", text: "TEXT", boolean: "BOOLEAN",
		timestamp: "TIMESTAMPTZ", integer: "BIGINT",
	}
	mysqlDialect = dialect{
		name: DriverMySQL, key: "VARCHAR(191)", text: "TEXT", boolean: "BOOLEAN",
		timestamp: "DATETIME(6)", integer: "BIGINT",
	}
)

// expand substitutes the {key}, {text}, {bool}, {ts} and {int} placeholders.
func (d dialect) expand(ddl string) string {
	return strings.NewReplacer(
		"{key}", d.key,
		"{text}", d.text,
		"{bool}", d.boolean,
		"{ts}", d.timestamp,
		"{int}", d.integer,
	).Replace(ddl)
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS admin_accounts (
			identity_id {key} PRIMARY KEY,
			email {key} NOT NULL UNIQUE,
			display_name {text} NOT NULL,
			role {key} NOT NULL,
			is_active {bool} NOT NULL,
			failed_attempts {int} NOT NULL DEFAULT 0,
			is_locked {bool} NOT NULL,
			locked_until {ts} NULL,
			last_failed_at {ts} NULL,
			last_login_at {ts} NULL,
			version {int} NOT NULL DEFAULT 1,
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS credentials (
			identity_id {key} PRIMARY KEY,
			email {key} NOT NULL UNIQUE,
			password_hash {text} NOT NULL,
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS audit_entries (
			id {key} PRIMARY KEY,
			action {key} NOT NULL,
			identity_key {key} NOT NULL,
			status {key} NOT NULL,
			reason {text} NOT NULL,
			metadata_json {text} NOT NULL,
			created_at {ts} NOT NULL
		)`,

		`CREATE INDEX idx_audit_identity ON audit_entries(identity_key, created_at)`,
		`CREATE INDEX idx_audit_created ON audit_entries(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(s.dialect.expand(m)); err != nil {
			// Index creation is not idempotent on every database; an
			// existing index is a no-op.
			if isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key name")
}
