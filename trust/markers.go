package trust

import (
	"context"
	"strconv"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/logging"
	"github.com/dpup/oauthdispatch/models"
	"github.com/dpup/oauthdispatch/storage"
)

// MarkerStore records which applications are restricted.
type MarkerStore interface {
	IsRestricted(ctx context.Context, appID int64) (bool, error)
	Restrict(ctx context.Context, appID int64) error
	Unrestrict(ctx context.Context, appID int64) error
}

// NewMarkerStore returns a MarkerStore that keeps RestrictedApplication
// records in store.
func NewMarkerStore(store storage.Store) MarkerStore {
	return &storeMarkers{store: store}
}

type storeMarkers struct {
	store storage.Store
}

func (s *storeMarkers) IsRestricted(ctx context.Context, appID int64) (bool, error) {
	return s.store.Exists(ctx, strconv.FormatInt(appID, 10), models.RestrictedApplication{})
}

// Restrict is a no-op if the marker already exists.
func (s *storeMarkers) Restrict(ctx context.Context, appID int64) error {
	err := s.store.Create(ctx, models.RestrictedApplication{ApplicationID: appID, Created: time.Now().UTC()})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil
	}
	return err
}

// Unrestrict is a no-op if no marker exists.
func (s *storeMarkers) Unrestrict(ctx context.Context, appID int64) error {
	err := s.store.Delete(ctx, models.RestrictedApplication{ApplicationID: appID})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// NewCachedMarkerStore caches IsRestricted answers from next in cache for
// ttl. Restrict and Unrestrict write through and drop the cached answer.
func NewCachedMarkerStore(next MarkerStore, cache Cache, ttl time.Duration) MarkerStore {
	return &cachedMarkers{next: next, cache: cache, ttl: ttl}
}

type cachedMarkers struct {
	next  MarkerStore
	cache Cache
	ttl   time.Duration
}

func cacheKey(appID int64) string {
	return "restricted:" + strconv.FormatInt(appID, 10)
}

func (c *cachedMarkers) IsRestricted(ctx context.Context, appID int64) (bool, error) {
	key := cacheKey(appID)
	if restricted, ok, err := c.cache.Get(ctx, key); err != nil {
		// A broken cache falls back to the store.
		logging.Warnw(ctx, "restricted cache read failed", "key", key, "error", err)
	} else if ok {
		return restricted, nil
	}

	restricted, err := c.next.IsRestricted(ctx, appID)
	if err != nil {
		return false, err
	}
	// Add, not Set, so a stale read cannot replace the answer written by a
	// concurrent Restrict or Unrestrict.
	if err := c.cache.Add(ctx, key, restricted, c.ttl); err != nil {
		logging.Warnw(ctx, "restricted cache write failed", "key", key, "error", err)
	}
	return restricted, nil
}

func (c *cachedMarkers) Restrict(ctx context.Context, appID int64) error {
	if err := c.next.Restrict(ctx, appID); err != nil {
		return err
	}
	return c.cache.Set(ctx, cacheKey(appID), true, c.ttl)
}

func (c *cachedMarkers) Unrestrict(ctx context.Context, appID int64) error {
	if err := c.next.Unrestrict(ctx, appID); err != nil {
		return err
	}
	return c.cache.Set(ctx, cacheKey(appID), false, c.ttl)
}
