//go:build integration

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/database"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func startPostgres(t *testing.T) *gorm.DB {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	pool.MaxWait = time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "15",
		Env: []string{
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_USER=ahsoka",
			"POSTGRES_DB=ahsoka",
		},
		ExposedPorts: []string{"5432/tcp"},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})

	host, port := "localhost", resource.GetPort("5432/tcp")

	hostPort := resource.GetHostPort("5432/tcp")
	if parsedHost, parsedPort, err := net.SplitHostPort(hostPort); err == nil {
		if parsedHost != "" && parsedHost != "0.0.0.0" {
			host = parsedHost
		}

		port = parsedPort
	}

	dsn := fmt.Sprintf("host=%s user=ahsoka password=secret dbname=ahsoka port=%s sslmode=disable", host, port)
	migrateURL := fmt.Sprintf("postgres://ahsoka:secret@%s/ahsoka?sslmode=disable", net.JoinHostPort(host, port))

	var dbConn *gorm.DB

	require.NoError(t, pool.Retry(func() error {
		dbConn, err = database.Open(dsn)
		return err
	}))

	migrator, err := migrate.New("file://../../migrations", migrateURL)
	require.NoError(t, err)

	err = migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}

	return dbConn
}

func TestGormStoreLifecycle(t *testing.T) {
	dbConn := startPostgres(t)
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 10, 18, 20, 0, 0, 0, time.UTC)}
	s := NewScheduler(NewGormStore(dbConn), WithClock(clock.Now))

	_, err := s.Enqueue(ctx, EnqueueRequest{
		ConversationID: "conv-1",
		OwnerID:        "owner-1",
		Destination:    "+15550100",
		When:           clock.Now(),
		MaxAttempts:    2,
	})
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, EnqueueRequest{
		ConversationID: "conv-1",
		OwnerID:        "owner-1",
		Destination:    "+15550100",
		When:           clock.Now(),
		MaxAttempts:    2,
	})
	require.ErrorIs(t, err, ErrActiveCallExists)

	_, err = s.Enqueue(ctx, EnqueueRequest{
		ConversationID: "conv-2",
		OwnerID:        "owner-2",
		Destination:    "+15550101",
		When:           clock.Now().Add(-time.Minute),
		MaxAttempts:    1,
	})
	require.NoError(t, err)

	due, err := s.DueWork(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "conv-2", due[0].ConversationID)
	require.Equal(t, "conv-1", due[1].ConversationID)

	call, err := s.BeginAttempt(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, StatusAttempting, call.Status)
	require.Equal(t, 1, call.AttemptCount)

	_, err = s.BeginAttempt(ctx, "conv-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	call, err = s.Retry(ctx, "conv-1", 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, StatusPending, call.Status)

	due, err = s.DueWork(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	clock.Advance(5 * time.Minute)

	due, err = s.DueWork(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)

	_, err = s.BeginAttempt(ctx, "conv-1")
	require.NoError(t, err)

	_, err = s.Retry(ctx, "conv-1", time.Minute)
	require.ErrorIs(t, err, ErrAttemptsExhausted)

	call, err = s.Fail(ctx, "conv-1", "no_response")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, call.Status)
	require.NotNil(t, call.Error)
	require.True(t, strings.Contains(*call.Error, "no_response"))

	_, err = s.Enqueue(ctx, EnqueueRequest{
		ConversationID: "conv-1",
		OwnerID:        "owner-1",
		Destination:    "+15550100",
		When:           clock.Now(),
		MaxAttempts:    1,
	})
	require.NoError(t, err)

	latest, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, latest.Status)

	active, err := s.ActiveFor(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
}
