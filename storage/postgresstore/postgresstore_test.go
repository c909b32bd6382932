package postgresstore

import (
	"context"
	"database/sql"
	"os"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dpup/oauthdispatch/storage"
	"github.com/dpup/oauthdispatch/storage/storagetests"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PostgreSQL tests skipped. Set PG_TEST_DSN env var to enable.")
	}

	reset := func() {
		db, err := sql.Open("postgres", dsn)
		require.NoError(t, err)
		defer db.Close()
		_, err = db.Exec("DROP SCHEMA IF EXISTS od_test CASCADE")
		require.NoError(t, err)
	}

	storagetests.Run(t, func() storage.Store {
		reset()
		s, err := New(context.Background(), dsn, WithPrefix("test_"), WithSchema("od_test"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

type Vehicle struct {
	ID     string
	Type   string
	Wheels int
	Mods   *string
}

func (v Vehicle) PK() string {
	return v.ID
}

type Animal struct {
	ID   string
	Legs int
}

func (a Animal) PK() string {
	return a.ID
}

func newMockStore(t *testing.T) (*store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := newWithDB(context.Background(), db, WithPrefix("od_"), WithAutoCreateTables(false))
	require.NoError(t, err)
	return s, mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestTableName(t *testing.T) {
	s, _ := newMockStore(t)
	s.tables["animals"] = true

	table, shared := s.tableName(Vehicle{})
	assert.Equal(t, "public.od_store", table)
	assert.True(t, shared)

	table, shared = s.tableName(&Animal{})
	assert.Equal(t, "public.od_animals", table)
	assert.False(t, shared)
}

func TestBuildListQuery(t *testing.T) {
	s, _ := newMockStore(t)
	s.tables["animals"] = true
	empty := ""

	tests := []struct {
		name   string
		filter storage.Model
		query  string
		args   []any
	}{
		{
			"empty",
			Vehicle{},
			"SELECT value FROM public.od_store WHERE entity_type = $1 ORDER BY id",
			[]any{"vehicles"},
		},
		{
			"two fields",
			Vehicle{Type: "car", Wheels: 4},
			"SELECT value FROM public.od_store WHERE entity_type = $1 AND value->>'Type' = $2 AND value->>'Wheels' = $3 ORDER BY id",
			[]any{"vehicles", "car", "4"},
		},
		{
			"zero pointer",
			Vehicle{Mods: &empty},
			"SELECT value FROM public.od_store WHERE entity_type = $1 AND value->>'Mods' = $2 ORDER BY id",
			[]any{"vehicles", ""},
		},
		{
			"dedicated table",
			Animal{Legs: 3},
			"SELECT value FROM public.od_animals WHERE value->>'Legs' = $1 ORDER BY id",
			[]any{"3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := s.buildListQuery(tt.filter)
			assert.Equal(t, tt.query, query)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestCreateWithMock(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("INSERT INTO public.od_store (id, entity_type, value) VALUES ($1, $2, $3)")).
			WithArgs("1", "vehicles", `{"ID":"1","Type":"car","Wheels":4,"Mods":null}`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, s.Create(ctx, Vehicle{ID: "1", Type: "car", Wheels: 4}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Conflict", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		err := s.Create(ctx, Vehicle{ID: "1"})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpsertWithMock(t *testing.T) {
	s, mock := newMockStore(t)
	s.tables["animals"] = true

	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO public.od_animals (id, value) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE")).
		WithArgs("7", `{"ID":"7","Legs":4}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Upsert(context.Background(), Animal{ID: "7", Legs: 4}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadWithMock(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(q("SELECT value FROM public.od_store WHERE id = $1 AND entity_type = $2")).
			WithArgs("1", "vehicles").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"ID":"1","Type":"bike","Wheels":2}`)))

		var v Vehicle
		require.NoError(t, s.Read(ctx, "1", &v))
		assert.Equal(t, Vehicle{ID: "1", Type: "bike", Wheels: 2}, v)
	})

	t.Run("NotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT value FROM").WillReturnError(sql.ErrNoRows)

		assert.ErrorIs(t, s.Read(ctx, "1", &Vehicle{}), storage.ErrNotFound)
	})

	t.Run("Corrupt", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT value FROM").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"ID":`)))

		assert.ErrorIs(t, s.Read(ctx, "1", &Vehicle{}), storage.ErrInvalidModel)
	})
}

func TestUpdateWithMock(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE public.od_store SET value = $1, updated_at = NOW() WHERE id = $2 AND entity_type = $3")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, s.Update(ctx, Vehicle{ID: "1"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		assert.ErrorIs(t, s.Update(ctx, Vehicle{ID: "1"}), storage.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDeleteWithMock(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	mock.ExpectExec(q("DELETE FROM public.od_store WHERE id = $1 AND entity_type = $2")).
		WithArgs("1", "vehicles").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(ctx, Vehicle{ID: "1"}))

	mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Delete(ctx, Vehicle{ID: "1"}), storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsWithMock(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	mock.ExpectQuery(q("SELECT COUNT(*) FROM public.od_store")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	exists, err := s.Exists(ctx, "1", Vehicle{})
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery(q("SELECT COUNT(*) FROM public.od_store")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	exists, err = s.Exists(ctx, "2", Vehicle{})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListWithMock(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(q("SELECT value FROM public.od_store WHERE entity_type = $1 AND value->>'Type' = $2 ORDER BY id")).
		WithArgs("vehicles", "car").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).
			AddRow([]byte(`{"ID":"1","Type":"car","Wheels":4}`)).
			AddRow([]byte(`{"ID":"2","Type":"car","Wheels":3}`)))

	var out []Vehicle
	require.NoError(t, s.List(context.Background(), &out, Vehicle{Type: "car"}))
	assert.Equal(t, []Vehicle{
		{ID: "1", Type: "car", Wheels: 4},
		{ID: "2", Type: "car", Wheels: 3},
	}, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultPrefix(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := newWithDB(context.Background(), db, WithAutoCreateTables(false))
	require.NoError(t, err)
	table, shared := s.tableName(Vehicle{})
	assert.Equal(t, "public.oauthdispatch_store", table)
	assert.True(t, shared)
}

func TestInitModelWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS public").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS public.od_store")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_od_store_entity_type").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_od_store_value").WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := newWithDB(context.Background(), db, WithPrefix("od_"))
	require.NoError(t, err)

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS public").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS public.od_animals")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_od_animals_value").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.InitModel(Animal{}))
	assert.True(t, s.tables["animals"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslateError(t *testing.T) {
	assert.Nil(t, translateError(nil))
	assert.ErrorIs(t, translateError(sql.ErrNoRows), storage.ErrNotFound)
	assert.ErrorIs(t, translateError(&pq.Error{Code: "23505"}), storage.ErrAlreadyExists)
	assert.ErrorIs(t, translateError(&pq.Error{Code: "23502"}), storage.ErrInvalidModel)

	other := &pq.Error{Code: "42P01"}
	assert.ErrorIs(t, translateError(other), other)
}
