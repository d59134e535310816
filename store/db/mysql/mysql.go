package mysql

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
	config  *mysql.Config
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil || profile.DSN == "" {
		return nil, errors.New("dsn required")
	}
	config, err := mysql.ParseDSN(profile.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse mysql dsn")
	}
	config.MultiStatements = true
	db, err := sql.Open("mysql", config.FormatDSN())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db: %s", profile.DSN)
	}
	return &DB{db: db, profile: profile, config: config}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS `users` (" +
			"`id` VARCHAR(64) NOT NULL PRIMARY KEY," +
			"`name` VARCHAR(256) NOT NULL DEFAULT ''," +
			"`email` VARCHAR(256) NOT NULL DEFAULT ''," +
			"`default_model` VARCHAR(256) NOT NULL DEFAULT ''," +
			"`display_models` TEXT NOT NULL," +
			"`created_at` BIGINT NOT NULL" +
			")",
		"CREATE TABLE IF NOT EXISTS `channels` (" +
			"`id` VARCHAR(64) NOT NULL PRIMARY KEY," +
			"`owner_id` VARCHAR(64) NOT NULL," +
			"`name` VARCHAR(256) NOT NULL," +
			"`created_at` BIGINT NOT NULL," +
			"`updated_at` BIGINT NOT NULL," +
			"INDEX `idx_channels_owner` (`owner_id`)" +
			")",
		"CREATE TABLE IF NOT EXISTS `messages` (" +
			"`id` VARCHAR(64) NOT NULL PRIMARY KEY," +
			"`group_id` VARCHAR(64) NOT NULL," +
			"`channel_id` VARCHAR(64) NOT NULL," +
			"`user_id` VARCHAR(64) NOT NULL," +
			"`state` INT NOT NULL," +
			"`role` VARCHAR(32) NOT NULL," +
			"`model` VARCHAR(256) NOT NULL DEFAULT ''," +
			"`stages` LONGTEXT NOT NULL," +
			"`created_at` BIGINT NOT NULL," +
			"`updated_at` BIGINT NOT NULL," +
			"INDEX `idx_messages_channel_created` (`channel_id`, `created_at`)" +
			")",
		"CREATE TABLE IF NOT EXISTS `synced_drafts` (" +
			"`user_id` VARCHAR(64) NOT NULL," +
			"`channel_id` VARCHAR(64) NOT NULL," +
			"`stages` LONGTEXT NOT NULL," +
			"`updated_at` BIGINT NOT NULL," +
			"PRIMARY KEY (`user_id`, `channel_id`)" +
			")",
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate mysql schema")
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
