package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a sqlite database. The DSN ":memory:" yields a private
// in-memory database pinned to a single connection.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil || profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	dsn := profile.DSN
	memory := dsn == ":memory:"
	if !memory {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	return &DB{db: db, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id             TEXT    NOT NULL PRIMARY KEY,
			name           TEXT    NOT NULL DEFAULT '',
			email          TEXT    NOT NULL DEFAULT '',
			default_model  TEXT    NOT NULL DEFAULT '',
			display_models TEXT    NOT NULL DEFAULT '[]',
			created_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id         TEXT    NOT NULL PRIMARY KEY,
			owner_id   TEXT    NOT NULL,
			name       TEXT    NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_owner ON channels(owner_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT    NOT NULL PRIMARY KEY,
			group_id   TEXT    NOT NULL,
			channel_id TEXT    NOT NULL,
			user_id    TEXT    NOT NULL,
			state      INTEGER NOT NULL,
			role       TEXT    NOT NULL,
			model      TEXT    NOT NULL DEFAULT '',
			stages     TEXT    NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS synced_drafts (
			user_id    TEXT    NOT NULL,
			channel_id TEXT    NOT NULL,
			stages     TEXT    NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, channel_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate sqlite schema")
		}
	}
	return nil
}

func placeholder(int) string {
	return "?"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
