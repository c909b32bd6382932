// Package memorystore implements storage.Store in memory. It is used for tests
// and single process deployments.
package memorystore

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/storage"
)

// New returns a store that provides transient, in-memory storage.
func New() storage.Store {
	return &store{
		data: map[string]map[string][]byte{},
	}
}

type store struct {
	// data[modelName][pk] = JSON
	data map[string]map[string][]byte
	mu   sync.RWMutex
}

type record struct {
	name  string
	pk    string
	value []byte
}

func encode(models []storage.Model) ([]record, error) {
	out := make([]record, 0, len(models))
	for _, m := range models {
		value, err := json.Marshal(m)
		if err != nil {
			return nil, errors.WrapPrefix(storage.ErrInvalidModel, err.Error(), 0)
		}
		out = append(out, record{storage.Name(m), m.PK(), value})
	}
	return out, nil
}

func (s *store) has(name, pk string) bool {
	_, ok := s.data[name][pk]
	return ok
}

func (s *store) put(records []record) {
	for _, r := range records {
		if s.data[r.name] == nil {
			s.data[r.name] = map[string][]byte{}
		}
		s.data[r.name][r.pk] = r.value
	}
}

func (s *store) Create(ctx context.Context, models ...storage.Model) error {
	records, err := encode(models)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if s.has(r.name, r.pk) {
			return errors.Mark(storage.ErrAlreadyExists, 0)
		}
	}
	s.put(records)
	return nil
}

func (s *store) Read(ctx context.Context, id string, model storage.Model) error {
	if err := storage.ValidateReceiver(model); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[storage.Name(model)][id]
	if !ok {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	return json.Unmarshal(value, model)
}

func (s *store) Update(ctx context.Context, models ...storage.Model) error {
	records, err := encode(models)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if !s.has(r.name, r.pk) {
			return errors.Mark(storage.ErrNotFound, 0)
		}
	}
	s.put(records)
	return nil
}

func (s *store) Upsert(ctx context.Context, models ...storage.Model) error {
	records, err := encode(models)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(records)
	return nil
}

func (s *store) Delete(ctx context.Context, model storage.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, pk := storage.Name(model), model.PK()
	if !s.has(n, pk) {
		return errors.Mark(storage.ErrNotFound, 0)
	}
	delete(s.data[n], pk)
	return nil
}

// List always performs a full scan of the model's records.
func (s *store) List(ctx context.Context, models any, filter storage.Model) error {
	slice, err := storage.ListTarget(models, filter)
	if err != nil {
		return err
	}
	elemType := slice.Type().Elem()
	fields := storage.FilterFields(filter)

	s.mu.RLock()
	defer s.mu.RUnlock()

	table := s.data[storage.Name(filter)]
	pks := make([]string, 0, len(table))
	for pk := range table {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	for _, pk := range pks {
		elem := reflect.New(elemType)
		if err := json.Unmarshal(table[pk], elem.Interface()); err != nil {
			return errors.WrapPrefix(storage.ErrInvalidModel, err.Error(), 0)
		}
		if matches(elem.Elem(), fields) {
			slice.Set(reflect.Append(slice, elem.Elem()))
		}
	}
	return nil
}

func matches(v reflect.Value, fields []storage.FilterField) bool {
	for _, f := range fields {
		fv := v.FieldByName(f.Name)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				return false
			}
			fv = fv.Elem()
		}
		if !reflect.DeepEqual(fv.Interface(), f.Value) {
			return false
		}
	}
	return true
}

func (s *store) Exists(ctx context.Context, id string, model storage.Model) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.has(storage.Name(model), id), nil
}

func (s *store) Close() error {
	return nil
}
