package sqlitestore

import (
	"context"
	"testing"

	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/storage/storagetests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T, opts ...Option) *store {
	t.Helper()
	s, err := New(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s.(*store)
}

func TestSqliteStore(t *testing.T) {
	storagetests.Run(t, func() storage.Store {
		return newMemory(t)
	})
}

func TestSqliteStore_defaultTable(t *testing.T) {
	for _, prefix := range []string{DefaultPrefix, ""} {
		s := newMemory(t, WithPrefix(prefix))
		assert.Equal(t, prefix+"store", s.defaultTable())

		ctx := context.Background()
		require.NoError(t, s.Create(ctx, Grant{ID: "g1", UserID: "u1"}))
		var got Grant
		require.NoError(t, s.Read(ctx, "g1", &got))
		assert.Equal(t, "u1", got.UserID)
	}

	s := newMemory(t)
	assert.Equal(t, "oauthdispatch_store", s.defaultTable())
}

func TestSqliteStore_withPrefixAndDedicatedTable(t *testing.T) {
	storagetests.Run(t, func() storage.Store {
		s := newMemory(t, WithPrefix("od_"))
		require.NoError(t, storage.InitModels(s, storagetests.Client{}))
		return s
	})
}

type Grant struct {
	ID            string
	UserID        string
	ApplicationID int64
	Scope         *string
}

func (g Grant) PK() string {
	return g.ID
}

type Marker struct {
	ID            string
	ApplicationID int64
}

func (m Marker) PK() string {
	return m.ID
}

func TestBuildListQuery(t *testing.T) {
	emptyScope := ""
	tests := []struct {
		name   string
		filter storage.Model
		query  string
		params []any
	}{
		{
			"empty",
			Grant{},
			"SELECT value FROM custom_store WHERE entity_type = ? ORDER BY id",
			[]any{"grants"},
		},
		{
			"single field filter",
			Grant{UserID: "u1"},
			"SELECT value FROM custom_store WHERE entity_type = ? AND json_extract(value, '$.UserID') = ? ORDER BY id",
			[]any{"grants", "u1"},
		},
		{
			"user and application filter",
			Grant{UserID: "u1", ApplicationID: 7},
			"SELECT value FROM custom_store WHERE entity_type = ? AND json_extract(value, '$.UserID') = ? AND json_extract(value, '$.ApplicationID') = ? ORDER BY id",
			[]any{"grants", "u1", int64(7)},
		},
		{
			"zero pointer filter",
			Grant{Scope: &emptyScope},
			"SELECT value FROM custom_store WHERE entity_type = ? AND json_extract(value, '$.Scope') = ? ORDER BY id",
			[]any{"grants", ""},
		},
		{
			"dedicated table",
			Marker{ApplicationID: 3},
			"SELECT value FROM custom_markers WHERE json_extract(value, '$.ApplicationID') = ? ORDER BY id",
			[]any{int64(3)},
		},
		{
			"dedicated table without filter",
			Marker{},
			"SELECT value FROM custom_markers ORDER BY id",
			nil,
		},
	}
	s := newMemory(t, WithPrefix("custom_"))
	require.NoError(t, s.InitModel(Marker{}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, params := s.buildListQuery(tt.filter)
			assert.Equal(t, tt.query, query)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestSqliteStore_listGrantsForUser(t *testing.T) {
	s := newMemory(t)
	for _, g := range []Grant{
		{ID: "a", UserID: "u1", ApplicationID: 1},
		{ID: "b", UserID: "u1", ApplicationID: 2},
		{ID: "c", UserID: "u2", ApplicationID: 1},
	} {
		require.NoError(t, s.Create(context.Background(), g))
	}

	var got []Grant
	require.NoError(t, s.List(context.Background(), &got, Grant{UserID: "u1", ApplicationID: 1}))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}
