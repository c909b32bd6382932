// Package storage defines the persistence interface used by the
// authorization server, and the helpers shared by its backends.
//
// Models are structs with a `PK() string` method. Stores keep each model as
// a JSON document keyed by its primary key and model name:
//
//	store := sqlitestore.New("file:oauth.db", sqlitestore.WithPrefix("od_"))
//	err := store.Create(ctx, &models.Application{ID: 1, ClientID: "web"})
package storage

import (
	"context"

	"github.com/dpup/oauthdispatch/errors"
	"google.golang.org/grpc/codes"
)

var (
	// Returned when a record does not exist.
	ErrNotFound = errors.NewC("record not found", codes.NotFound)

	// Returned when a record conflicts with an existing key.
	ErrAlreadyExists = errors.NewC("primary key already exists", codes.AlreadyExists)

	// Returned when List is called with a non-slice.
	ErrSliceRequired = errors.NewC("pointer slice required", codes.InvalidArgument)

	// Returned when a store can not marshal/unmarshal a model.
	ErrInvalidModel = errors.NewC("invalid model", codes.InvalidArgument)

	// Returned when List is called with a filter and slice of mismatching types.
	ErrTypeMismatch = errors.NewC("type mismatch", codes.InvalidArgument)

	// Returned when a store is passed an uninitialized pointer.
	ErrNilModel = errors.NewC("uninitialized pointer passed as model", codes.InvalidArgument)
)

// Store offers Create, Read, Update, Upsert, Delete, List and Exists over
// models. Multi-model writes are atomic.
type Store interface {
	// Create inserts records, failing with ErrAlreadyExists if any key is
	// taken.
	Create(ctx context.Context, models ...Model) error

	// Read populates model with the record stored under id.
	Read(ctx context.Context, id string, model Model) error

	// Update replaces existing records, failing with ErrNotFound if any is
	// missing.
	Update(ctx context.Context, models ...Model) error

	// Upsert inserts or replaces records.
	Upsert(ctx context.Context, models ...Model) error

	// Delete a record. Only the primary key needs to be populated.
	Delete(ctx context.Context, model Model) error

	// List appends to the slice pointed to by models every record whose
	// fields match the non-zero scalar fields of filter. Pointer fields match
	// when non-nil, which allows filtering on zero values. Results are ordered
	// by primary key.
	List(ctx context.Context, models any, filter Model) error

	// Exists reports whether a record with the given id exists.
	Exists(ctx context.Context, id string, model Model) (bool, error)

	// Close releases the store's resources.
	Close() error
}

// ModelInitializer is implemented by stores that can give a model its own
// table. Uninitialized models share a default table.
type ModelInitializer interface {
	InitModel(model Model) error
}

// InitModels initializes each model if the store supports it.
func InitModels(s Store, models ...Model) error {
	mi, ok := s.(ModelInitializer)
	if !ok {
		return nil
	}
	for _, m := range models {
		if err := mi.InitModel(m); err != nil {
			return errors.WrapPrefix(err, "init "+Name(m), 0)
		}
	}
	return nil
}
