package store

import (
	"context"
	"database/sql"
)

// Driver is implemented by every SQL dialect under store/db.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate creates any missing tables and indexes.
	Migrate(ctx context.Context) error

	CreateUser(ctx context.Context, create *User) (*User, error)
	ListUsers(ctx context.Context, find *FindUser) ([]*User, error)

	CreateChannel(ctx context.Context, create *Channel) (*Channel, error)
	ListChannels(ctx context.Context, find *FindChannel) ([]*Channel, error)
	UpdateChannel(ctx context.Context, update *UpdateChannel) (*Channel, error)
	DeleteChannel(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	UpdateMessage(ctx context.Context, update *UpdateMessage) error

	UpsertDraft(ctx context.Context, upsert *Draft) error
	ListDrafts(ctx context.Context, find *FindDraft) ([]*Draft, error)
	DeleteDraft(ctx context.Context, userID, channelID string) error
}
