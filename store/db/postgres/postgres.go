package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Import the Postgres driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil || profile.DSN == "" {
		return nil, errors.New("dsn required")
	}
	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
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
			id             TEXT   PRIMARY KEY,
			name           TEXT   NOT NULL DEFAULT '',
			email          TEXT   NOT NULL DEFAULT '',
			default_model  TEXT   NOT NULL DEFAULT '',
			display_models TEXT   NOT NULL DEFAULT '[]',
			created_at     BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id         TEXT   PRIMARY KEY,
			owner_id   TEXT   NOT NULL,
			name       TEXT   NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_owner ON channels(owner_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT    PRIMARY KEY,
			group_id   TEXT    NOT NULL,
			channel_id TEXT    NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			user_id    TEXT    NOT NULL,
			state      INTEGER NOT NULL,
			role       TEXT    NOT NULL,
			model      TEXT    NOT NULL DEFAULT '',
			stages     TEXT    NOT NULL DEFAULT '[]',
			created_at BIGINT  NOT NULL,
			updated_at BIGINT  NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS synced_drafts (
			user_id    TEXT   NOT NULL,
			channel_id TEXT   NOT NULL,
			stages     TEXT   NOT NULL DEFAULT '[]',
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, channel_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate postgres schema")
		}
	}
	return nil
}

func placeholder(n int) string {
	return "$" + fmt.Sprint(n)
}

func placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}
