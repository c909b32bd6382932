package models

import (
	"context"
	"strconv"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/storage"
	"google.golang.org/grpc/codes"
)

// ErrDuplicateClientID is returned when a client ID is already registered.
var ErrDuplicateClientID = errors.NewC("client id already registered", codes.AlreadyExists)

// Applications reads and writes applications.
type Applications struct {
	store storage.Store
	now   func() time.Time
}

// NewApplications returns a repository backed by store.
func NewApplications(store storage.Store) *Applications {
	return &Applications{store: store, now: time.Now}
}

// Create validates and stores a new application.
func (r *Applications) Create(ctx context.Context, app *Application) error {
	if err := app.Validate(); err != nil {
		return err
	}
	if _, err := r.GetByClientID(ctx, app.ClientID); err == nil {
		return errors.Mark(ErrDuplicateClientID, 0)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	now := r.now().UTC()
	app.Created, app.Updated = now, now
	return r.store.Create(ctx, app)
}

// Update validates and replaces an existing application.
func (r *Applications) Update(ctx context.Context, app *Application) error {
	if err := app.Validate(); err != nil {
		return err
	}
	app.Updated = r.now().UTC()
	return r.store.Update(ctx, app)
}

// Get returns the application with the given ID.
func (r *Applications) Get(ctx context.Context, id int64) (*Application, error) {
	var app Application
	if err := r.store.Read(ctx, strconv.FormatInt(id, 10), &app); err != nil {
		return nil, err
	}
	return &app, nil
}

// GetByClientID returns the application registered under clientID, or
// storage.ErrNotFound.
func (r *Applications) GetByClientID(ctx context.Context, clientID string) (*Application, error) {
	if clientID == "" {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	}
	var apps []Application
	if err := r.store.List(ctx, &apps, Application{ClientID: clientID}); err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	}
	return &apps[0], nil
}

// List returns every application, ordered by primary key.
func (r *Applications) List(ctx context.Context) ([]Application, error) {
	var apps []Application
	if err := r.store.List(ctx, &apps, Application{}); err != nil {
		return nil, err
	}
	return apps, nil
}
