package db

import (
	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/store"
	"github.com/115Studio/chat-backend/store/db/mysql"
	"github.com/115Studio/chat-backend/store/db/postgres"
	"github.com/115Studio/chat-backend/store/db/sqlite"
)

// NewDBDriver creates a new store driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "mysql":
		driver, err = mysql.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver: %s", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
