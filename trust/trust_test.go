package trust

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/storage/memorystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpoch(t *testing.T) {
	assert.Equal(t, "1970-01-01T00:00:00Z", Epoch.Format(time.RFC3339))
}

func TestTokenMarkers(t *testing.T) {
	tok := models.AccessToken{Expires: time.Now().Add(time.Hour)}
	assert.False(t, IsTokenMarkedRestricted(tok))

	MarkTokenRestricted(&tok)
	assert.True(t, IsTokenMarkedRestricted(tok))

	MarkTokenRestricted(&tok)
	assert.True(t, IsTokenMarkedRestricted(tok), "marking is idempotent")
	assert.True(t, tok.Expires.Equal(Epoch))
}

func TestIsTokenMarkedRestricted_exact(t *testing.T) {
	near := []time.Time{
		Epoch.Add(time.Nanosecond),
		Epoch.Add(-time.Nanosecond),
		Epoch.Add(time.Second),
		time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC),
		{},
	}
	for _, exp := range near {
		assert.False(t, IsTokenMarkedRestricted(models.AccessToken{Expires: exp}), exp.String())
	}

	// The same instant in another zone is still the sentinel.
	est := Epoch.In(time.FixedZone("EST", -5*3600))
	assert.True(t, IsTokenMarkedRestricted(models.AccessToken{Expires: est}))
}

func TestClassifier(t *testing.T) {
	ctx := context.Background()
	c := NewClassifier(NewMarkerStore(memorystore.New()))
	app := &models.Application{ID: 42, ClientID: "partner"}
	other := &models.Application{ID: 43, ClientID: "web"}

	restricted, err := c.IsRestricted(ctx, app)
	require.NoError(t, err)
	assert.False(t, restricted)

	require.NoError(t, c.Restrict(ctx, app))
	require.NoError(t, c.Restrict(ctx, app), "restricting twice is allowed")

	restricted, err = c.IsRestricted(ctx, app)
	require.NoError(t, err)
	assert.True(t, restricted)

	restricted, err = c.IsRestricted(ctx, other)
	require.NoError(t, err)
	assert.False(t, restricted)

	require.NoError(t, c.Unrestrict(ctx, app))
	require.NoError(t, c.Unrestrict(ctx, app), "unrestricting twice is allowed")

	restricted, err = c.IsRestricted(ctx, app)
	require.NoError(t, err)
	assert.False(t, restricted)

	_, err = c.IsRestricted(ctx, nil)
	assert.ErrorIs(t, err, ErrNoApplication)
}

func TestEnforce(t *testing.T) {
	ctx := context.Background()
	c := NewClassifier(NewMarkerStore(memorystore.New()))
	restrictedApp := &models.Application{ID: 1}
	trustedApp := &models.Application{ID: 2}
	require.NoError(t, c.Restrict(ctx, restrictedApp))

	exp := time.Now().Add(time.Hour).UTC()

	tok := models.AccessToken{Token: "a", Expires: exp}
	require.NoError(t, c.Enforce(ctx, restrictedApp, &tok))
	assert.True(t, IsTokenMarkedRestricted(tok))

	require.NoError(t, c.Enforce(ctx, restrictedApp, &tok))
	assert.True(t, IsTokenMarkedRestricted(tok), "enforcing twice keeps the sentinel")

	tok2 := models.AccessToken{Token: "b", Expires: exp}
	require.NoError(t, c.Enforce(ctx, trustedApp, &tok2))
	assert.Equal(t, exp, tok2.Expires)
}

type countingMarkers struct {
	MarkerStore
	lookups int
	fail    error
}

func (c *countingMarkers) IsRestricted(ctx context.Context, appID int64) (bool, error) {
	c.lookups++
	if c.fail != nil {
		return false, c.fail
	}
	return c.MarkerStore.IsRestricted(ctx, appID)
}

func TestCachedMarkerStore(t *testing.T) {
	ctx := context.Background()
	inner := &countingMarkers{MarkerStore: NewMarkerStore(memorystore.New())}
	cached := NewCachedMarkerStore(inner, NewMemoryCache(), time.Minute)

	for i := 0; i < 3; i++ {
		restricted, err := cached.IsRestricted(ctx, 5)
		require.NoError(t, err)
		assert.False(t, restricted)
	}
	assert.Equal(t, 1, inner.lookups, "answers are served from cache")

	require.NoError(t, cached.Restrict(ctx, 5))
	restricted, err := cached.IsRestricted(ctx, 5)
	require.NoError(t, err)
	assert.True(t, restricted, "restrict writes the answer through")

	require.NoError(t, cached.Unrestrict(ctx, 5))
	restricted, err = cached.IsRestricted(ctx, 5)
	require.NoError(t, err)
	assert.False(t, restricted)
	assert.Equal(t, 1, inner.lookups)
}

// slowMarkers pauses its first lookup after reading the store.
type slowMarkers struct {
	MarkerStore
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *slowMarkers) IsRestricted(ctx context.Context, appID int64) (bool, error) {
	restricted, err := s.MarkerStore.IsRestricted(ctx, appID)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return restricted, err
}

func TestCachedMarkerStore_staleReadDoesNotOverwriteRestrict(t *testing.T) {
	ctx := context.Background()
	inner := &slowMarkers{
		MarkerStore: NewMarkerStore(memorystore.New()),
		read:        make(chan struct{}),
		release:     make(chan struct{}),
	}
	cached := NewCachedMarkerStore(inner, NewMemoryCache(), time.Minute)

	done := make(chan bool)
	go func() {
		restricted, _ := cached.IsRestricted(ctx, 5)
		done <- restricted
	}()

	<-inner.read
	require.NoError(t, cached.Restrict(ctx, 5))
	close(inner.release)
	assert.False(t, <-done, "the in-flight lookup read the store before Restrict")

	restricted, err := cached.IsRestricted(ctx, 5)
	require.NoError(t, err)
	assert.True(t, restricted)
}

func TestCachedMarkerStore_errorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")
	inner := &countingMarkers{MarkerStore: NewMarkerStore(memorystore.New()), fail: boom}
	cached := NewCachedMarkerStore(inner, NewMemoryCache(), time.Minute)

	_, err := cached.IsRestricted(ctx, 1)
	assert.ErrorIs(t, err, boom)

	inner.fail = nil
	restricted, err := cached.IsRestricted(ctx, 1)
	require.NoError(t, err)
	assert.False(t, restricted)
	assert.Equal(t, 2, inner.lookups)
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", true, time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)

	now = now.Add(time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok, "entries expire after ttl")

	require.NoError(t, c.Set(ctx, "forever", false, 0))
	now = now.Add(24 * time.Hour)
	v, ok, _ = c.Get(ctx, "forever")
	assert.True(t, ok)
	assert.False(t, v)

	require.NoError(t, c.Add(ctx, "forever", true, 0))
	v, _, _ = c.Get(ctx, "forever")
	assert.False(t, v, "add keeps a present value")

	require.NoError(t, c.Set(ctx, "short", true, time.Second))
	now = now.Add(time.Second)
	require.NoError(t, c.Add(ctx, "short", false, 0))
	v, ok, _ = c.Get(ctx, "short")
	assert.True(t, ok)
	assert.False(t, v, "add replaces an expired value")
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Redis tests skipped. Set REDIS_TEST_ADDR env var to enable.")
	}
	ctx := context.Background()
	rdb, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	defer rdb.Close()

	c := NewRedisCache(rdb, "od-test:")
	require.NoError(t, rdb.Del(ctx, "od-test:k").Err())
	t.Cleanup(func() { rdb.Del(context.Background(), "od-test:k") })

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", true, time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v)

	require.NoError(t, c.Add(ctx, "k", false, time.Minute))
	v, _, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, v, "add keeps a present value")

	require.NoError(t, c.Set(ctx, "k", false, time.Minute))
	v, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, v)
}
