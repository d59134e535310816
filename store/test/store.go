// Package test provides a migrated Store for tests. The driver is
// picked from CHAT_TEST_DRIVER: sqlite (default, in memory), postgres or
// mysql, the latter two backed by throwaway containers.
package test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/115Studio/chat-backend/internal/profile"
	"github.com/115Studio/chat-backend/store"
	"github.com/115Studio/chat-backend/store/db"
)

func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()
	p := getTestingProfile(ctx, t)
	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	s := store.New(driver)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func getTestingProfile(ctx context.Context, t *testing.T) *profile.Profile {
	driver := os.Getenv("CHAT_TEST_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}
	p := &profile.Profile{Mode: "dev", Driver: driver}

	switch driver {
	case "sqlite":
		p.DSN = ":memory:"
	case "postgres":
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("chat"),
			postgres.WithUsername("chat"),
			postgres.WithPassword("chat"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })
		p.DSN, err = ctr.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	case "mysql":
		ctr, err := mysql.Run(ctx, "mysql:8.0",
			mysql.WithDatabase("chat"),
			mysql.WithUsername("chat"),
			mysql.WithPassword("chat"),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })
		p.DSN, err = ctr.ConnectionString(ctx)
		require.NoError(t, err)
	default:
		t.Fatalf("unknown CHAT_TEST_DRIVER %q", driver)
	}
	return p
}
