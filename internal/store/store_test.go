package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SkynetNext/ws-gateway/internal/config"
)

func TestStaticApplications(t *testing.T) {
	apps := NewStaticApplications([]config.ApplicationConfig{
		{AppID: "a1", Token: "t1", AuthURL: "http://auth/1", CallbackMessage: "hi"},
	})

	app, err := apps.Application(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "t1", app.Token)
	assert.Equal(t, "http://auth/1", app.AuthURL)

	_, err = apps.Application(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}

type countingApps struct {
	calls atomic.Int32
	err   error
}

func (c *countingApps) Application(ctx context.Context, appID string) (*Application, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &Application{AppID: appID, Token: "tok"}, nil
}

func TestCachedApplications_TTL(t *testing.T) {
	backend := &countingApps{}
	cache := NewCachedApplications(backend, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		app, err := cache.Application(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, "tok", app.Token)
	}
	assert.Equal(t, int32(1), backend.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err := cache.Application(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.calls.Load())

	cache.Invalidate()
	_, err = cache.Application(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestCachedApplications_MissesNotCached(t *testing.T) {
	backend := &countingApps{err: ErrApplicationNotFound}
	cache := NewCachedApplications(backend, time.Minute)

	_, err := cache.Application(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrApplicationNotFound)

	backend.err = nil
	_, err = cache.Application(context.Background(), "a1")
	assert.NoError(t, err)
}

func TestCachedApplications_ReturnsCopies(t *testing.T) {
	cache := NewCachedApplications(&countingApps{}, time.Minute)
	app, err := cache.Application(context.Background(), "a1")
	require.NoError(t, err)
	app.Token = "mutated"

	again, err := cache.Application(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "tok", again.Token)
}

func TestCachedApplications_Concurrent(t *testing.T) {
	cache := NewCachedApplications(&countingApps{}, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Application(context.Background(), "a1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

// blockingApps holds every lookup until release is closed
type blockingApps struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (b *blockingApps) Application(ctx context.Context, appID string) (*Application, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	select {
	case <-b.release:
		return &Application{AppID: appID, Token: "tok"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCachedApplications_CancelledCallerDoesNotFailOthers(t *testing.T) {
	backend := &blockingApps{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewCachedApplications(backend, time.Minute)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := cache.Application(leaderCtx, "a1")
		leaderErr <- err
	}()
	<-backend.started

	type result struct {
		app *Application
		err error
	}
	follower := make(chan result, 1)
	go func() {
		app, err := cache.Application(context.Background(), "a1")
		follower <- result{app, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the shared lookup")
	}

	close(backend.release)
	select {
	case res := <-follower:
		require.NoError(t, res.err)
		assert.Equal(t, "tok", res.app.Token)
	case <-time.After(time.Second):
		t.Fatal("lookup never completed")
	}
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestCachedApplications_LookupTimeout(t *testing.T) {
	backend := &blockingApps{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewCachedApplications(backend, time.Minute)
	cache.timeout = 20 * time.Millisecond

	_, err := cache.Application(context.Background(), "a1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("123456")
	require.NoError(t, err)
	assert.NotEqual(t, "123456", hash)
	assert.True(t, CheckPassword(hash, "123456"))
	assert.False(t, CheckPassword(hash, "654321"))
}

// openTestDB connects to WSGW_TEST_DATABASE_URL or skips
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("WSGW_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WSGW_TEST_DATABASE_URL not set, skipping PostgreSQL test")
	}
	ctx := context.Background()
	db, err := Open(ctx, config.DatabaseConfig{URL: url, MaxConns: 2})
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestDB_Users(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	username := "user-" + uuid.NewString()

	n, err := db.CreateUser(ctx, UserInput{Username: username, Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.CreateUser(ctx, UserInput{Username: username, Password: "other"})
	assert.ErrorIs(t, err, ErrUserExists)

	id, err := db.Authenticate(ctx, username, "secret")
	require.NoError(t, err)

	_, err = db.Authenticate(ctx, username, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	page, err := db.ListUsers(ctx, 1, 1000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, page.Total, int64(1))

	nick := "nick"
	n, err = db.UpdateUser(ctx, UserInput{ID: id, Username: username, Nickname: &nick})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = db.DeleteUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDB_Application(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	appID := "app-" + uuid.NewString()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO application_use (app_id, token, app_auth_url, app_callback_message) VALUES ($1, $2, $3, $4)`,
		appID, "tok", "http://auth.local", "welcome")
	require.NoError(t, err)

	app, err := db.Application(ctx, appID)
	require.NoError(t, err)
	assert.Equal(t, "tok", app.Token)
	assert.Equal(t, "http://auth.local", app.AuthURL)

	_, err = db.Application(ctx, "missing-"+appID)
	assert.True(t, errors.Is(err, ErrApplicationNotFound))
}
