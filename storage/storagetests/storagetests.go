// Package storagetests provides common acceptance tests for storage.Store
// implementations.
package storagetests

import (
	"context"
	"testing"

	"github.com/dpup/oauthdispatch/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Tier int

const (
	TierPublic     Tier = 1
	TierTrusted    Tier = 2
	TierRestricted Tier = 3
)

// Client is a test model with a named integer field and a pointer field.
type Client struct {
	ID    string
	Name  string
	Tier  Tier
	Quota *int // Ptr fields allow filtering on zero values.
	Hosts []string
}

func (c Client) PK() string {
	return c.ID
}

type Realm struct {
	ID   string
	Name string
}

func (r Realm) PK() string {
	return r.ID
}

type BadModel struct {
	ID    string
	Cycle *BadModel
}

func (b BadModel) PK() string {
	return b.ID
}

func pint(i int) *int {
	return &i
}

// Run exercises a store created by newStore. Each subtest gets a new store.
func Run(t *testing.T, newStore func() storage.Store) {
	ctx := context.Background()

	t.Run("CreateReadRoundTrip", func(t *testing.T) {
		web := Client{ID: "1", Name: "Web", Tier: TierTrusted, Hosts: []string{"a.example", "b.example"}}
		cli := Client{ID: "2", Name: "CLI", Tier: TierPublic}

		store := newStore()
		require.NoError(t, store.Create(ctx, web, &cli))

		var got Client
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, web, got)

		got = Client{}
		require.NoError(t, store.Read(ctx, "2", &got))
		assert.Equal(t, cli, got)
	})

	t.Run("CreateConflict", func(t *testing.T) {
		store := newStore()
		require.NoError(t, store.Create(ctx, Client{ID: "1", Name: "Web"}))

		err := store.Create(ctx, Client{ID: "1", Name: "Other"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		var got Client
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, "Web", got.Name, "failed create must not overwrite")
	})

	t.Run("CreateIsAtomic", func(t *testing.T) {
		store := newStore()
		require.NoError(t, store.Create(ctx, Client{ID: "1"}))

		err := store.Create(ctx, Client{ID: "2"}, Client{ID: "1"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		exists, err := store.Exists(ctx, "2", Client{})
		require.NoError(t, err)
		assert.False(t, exists, "no record of a failed batch is written")
	})

	t.Run("SameKeyDifferentModels", func(t *testing.T) {
		store := newStore()
		require.NoError(t, store.Create(ctx, Client{ID: "1", Name: "client"}, Realm{ID: "1", Name: "realm"}))

		var r Realm
		require.NoError(t, store.Read(ctx, "1", &r))
		assert.Equal(t, "realm", r.Name)
	})

	t.Run("CreateBadModel", func(t *testing.T) {
		bm := BadModel{ID: "XXX"}
		bm.Cycle = &bm

		err := newStore().Create(ctx, bm)
		assert.ErrorIs(t, err, storage.ErrInvalidModel)
	})

	t.Run("ReadNotFound", func(t *testing.T) {
		store := newStore()
		assert.ErrorIs(t, store.Read(ctx, "1", &Client{}), storage.ErrNotFound)

		require.NoError(t, store.Create(ctx, &Client{ID: "1", Name: "Web"}))
		assert.ErrorIs(t, store.Read(ctx, "2", &Client{}), storage.ErrNotFound)
	})

	t.Run("ReadWithNilPointer", func(t *testing.T) {
		store := newStore()
		require.NoError(t, store.Create(ctx, Client{ID: "1"}))

		var c *Client
		assert.ErrorIs(t, store.Read(ctx, "1", c), storage.ErrNilModel)
	})

	t.Run("Update", func(t *testing.T) {
		web := Client{ID: "1", Name: "Web", Tier: TierTrusted}

		store := newStore()
		require.NoError(t, store.Create(ctx, web))

		web.Tier = TierRestricted
		require.NoError(t, store.Update(ctx, web))

		var got Client
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, web, got)
	})

	t.Run("UpdateNotExists", func(t *testing.T) {
		err := newStore().Update(ctx, Client{ID: "1"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("UpdateBadModel", func(t *testing.T) {
		bm := BadModel{ID: "XXX"}
		bm.Cycle = &bm

		err := newStore().Update(ctx, bm)
		assert.ErrorIs(t, err, storage.ErrInvalidModel)
	})

	t.Run("Upsert", func(t *testing.T) {
		web := Client{ID: "1", Name: "Web", Tier: TierTrusted}

		store := newStore()
		require.NoError(t, store.Create(ctx, web))

		web.Tier = TierRestricted
		cli := Client{ID: "2", Name: "CLI", Tier: TierPublic}
		require.NoError(t, store.Upsert(ctx, web, cli))

		var got Client
		require.NoError(t, store.Read(ctx, "1", &got))
		assert.Equal(t, web, got)

		got = Client{}
		require.NoError(t, store.Read(ctx, "2", &got))
		assert.Equal(t, cli, got)
	})

	t.Run("UpsertBadModel", func(t *testing.T) {
		bm := BadModel{ID: "XXX"}
		bm.Cycle = &bm

		err := newStore().Upsert(ctx, bm)
		assert.ErrorIs(t, err, storage.ErrInvalidModel)
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore()
		require.NoError(t, store.Create(ctx, &Client{ID: "4", Name: "Batch"}))

		exists, err := store.Exists(ctx, "4", &Client{})
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, store.Delete(ctx, &Client{ID: "4"}))

		exists, err = store.Exists(ctx, "4", &Client{})
		require.NoError(t, err)
		assert.False(t, exists)

		assert.ErrorIs(t, store.Delete(ctx, &Client{ID: "4"}), storage.ErrNotFound)
	})

	t.Run("ListErrorCases", func(t *testing.T) {
		store := newStore()
		out := []Client{}

		tests := []struct {
			name    string
			models  any
			filter  storage.Model
			wantErr error
		}{
			{"Ok", &out, Client{}, nil},
			{"Not a slice", Client{}, Client{}, storage.ErrSliceRequired},
			{"Not a pointer", out, Client{}, storage.ErrSliceRequired},
			{"Mismatched type", &out, Realm{}, storage.ErrTypeMismatch},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := store.List(ctx, tt.models, tt.filter)
				if tt.wantErr == nil {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, tt.wantErr)
				}
			})
		}
	})

	t.Run("List", func(t *testing.T) {
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Client{ID: "3", Name: "Mobile", Tier: TierPublic},
			Client{ID: "1", Name: "Web", Tier: TierTrusted},
			Client{ID: "2", Name: "CLI", Tier: TierPublic},
			Realm{ID: "9", Name: "Not a client"},
		))

		actual := []Client{}
		require.NoError(t, store.List(ctx, &actual, Client{}))

		assert.Equal(t, []Client{
			{ID: "1", Name: "Web", Tier: TierTrusted},
			{ID: "2", Name: "CLI", Tier: TierPublic},
			{ID: "3", Name: "Mobile", Tier: TierPublic},
		}, actual)
	})

	t.Run("ListFilter", func(t *testing.T) {
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Client{ID: "1", Name: "Web", Tier: TierTrusted},
			Client{ID: "2", Name: "CLI", Tier: TierPublic},
			Client{ID: "3", Name: "Mobile", Tier: TierPublic},
			Client{ID: "4", Name: "Partner", Tier: TierRestricted},
			Client{ID: "5", Name: "Web", Tier: TierRestricted},
		))

		actual := []Client{}
		require.NoError(t, store.List(ctx, &actual, Client{Tier: TierPublic}))
		assert.Equal(t, []Client{
			{ID: "2", Name: "CLI", Tier: TierPublic},
			{ID: "3", Name: "Mobile", Tier: TierPublic},
		}, actual)

		actual = []Client{}
		require.NoError(t, store.List(ctx, &actual, Client{Name: "Web", Tier: TierRestricted}))
		assert.Equal(t, []Client{{ID: "5", Name: "Web", Tier: TierRestricted}}, actual)

		actual = []Client{}
		require.NoError(t, store.List(ctx, &actual, Client{Name: "Nobody"}))
		assert.Empty(t, actual)
	})

	t.Run("ListFilterZero", func(t *testing.T) {
		store := newStore()
		require.NoError(t, store.Create(ctx,
			Client{ID: "1", Name: "Web", Quota: pint(4)},
			Client{ID: "2", Name: "CLI", Quota: pint(3)},
			Client{ID: "3", Name: "Mobile", Quota: pint(0)},
			Client{ID: "4", Name: "Partner", Quota: pint(0)},
			Client{ID: "5", Name: "Batch"},
		))

		actual := []Client{}
		require.NoError(t, store.List(ctx, &actual, Client{Quota: pint(0)}))
		assert.Equal(t, []Client{
			{ID: "3", Name: "Mobile", Quota: pint(0)},
			{ID: "4", Name: "Partner", Quota: pint(0)},
		}, actual)
	})

	t.Run("Exists", func(t *testing.T) {
		store := newStore()
		exists, err := store.Exists(ctx, "3", &Client{})
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, store.Create(ctx, &Client{ID: "3", Name: "Mobile"}))

		exists, err = store.Exists(ctx, "3", &Client{})
		require.NoError(t, err)
		assert.True(t, exists)
	})
}
