// Package memory provides a map-backed storage adapter. It implements the
// full port surface, optionally generating primary keys, and is the test
// workhorse for the object engine.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"smartobject/pkg/object"
)

// Store keeps records in process memory keyed by the string form of the
// primary key.
type Store struct {
	mu           sync.Mutex
	records      map[string]map[string]any
	generateKeys bool
	allowEmpty   bool
}

// Option configures a Store.
type Option func(*Store)

// WithKeyGeneration makes Save mint a UUID primary key when none is given.
func WithKeyGeneration() Option {
	return func(s *Store) { s.generateKeys = true }
}

// WithAllowEmpty makes Load return an empty record instead of a not-found
// error for unknown keys.
func WithAllowEmpty() Option {
	return func(s *Store) { s.allowEmpty = true }
}

// New returns an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{records: make(map[string]map[string]any)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GeneratesKeys implements object.Storage.
func (s *Store) GeneratesKeys() bool { return s.generateKeys }

// Load implements object.Storage.
func (s *Store) Load(_ context.Context, pk any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[keyOf(pk)]
	if !ok {
		if s.allowEmpty {
			return map[string]any{}, nil
		}
		return nil, object.NotFoundError{Storage: "memory", PK: pk}
	}
	return cloneRecord(rec), nil
}

// LoadAll implements object.Storage. Records are visited in sorted key order
// so enumeration is deterministic.
func (s *Store) LoadAll(_ context.Context, fn func(object.Record) error) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	recs := make([]object.Record, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, object.Record{Data: cloneRecord(s.records[k]), Info: k})
	}
	s.mu.Unlock()
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Save implements object.Storage. The full data replaces any stored record;
// partial updates are folded in when the record already exists.
func (s *Store) Save(_ context.Context, pk any, data, modified map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pk == nil {
		if !s.generateKeys {
			return nil, object.LookupError{Storage: "memory", Msg: "save without primary key"}
		}
		pk = uuid.NewString()
	}
	key := keyOf(pk)
	if existing, ok := s.records[key]; ok && len(modified) < len(data) {
		for k, v := range modified {
			existing[k] = v
		}
	} else {
		s.records[key] = cloneRecord(data)
	}
	return pk, nil
}

// Delete implements object.Storage.
func (s *Store) Delete(_ context.Context, pk any, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, keyOf(pk))
	return nil
}

// GetProp implements object.Storage.
func (s *Store) GetProp(_ context.Context, pk any, prop string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[keyOf(pk)]
	if !ok {
		return nil, object.LookupError{Storage: "memory", Msg: "object " + keyOf(pk) + " not saved yet"}
	}
	return rec[prop], nil
}

// SetProp implements object.Storage. Unlike Save it creates the record on
// demand so external properties work before the first full save.
func (s *Store) SetProp(_ context.Context, pk any, prop string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(pk)
	if s.records[key] == nil {
		s.records[key] = make(map[string]any)
	}
	s.records[key][prop] = value
	return nil
}

// Purge implements object.Storage; deletes are immediate so there is nothing
// to purge.
func (s *Store) Purge(context.Context) (int, error) { return 0, nil }

// Cleanup implements object.Storage.
func (s *Store) Cleanup(_ context.Context, live []any) (int, error) {
	keep := make(map[string]struct{}, len(live))
	for _, pk := range live {
		keep[keyOf(pk)] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k := range s.records {
		if _, ok := keep[k]; !ok {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func keyOf(pk any) string {
	if s, ok := pk.(string); ok {
		return s
	}
	if pk == nil {
		return ""
	}
	return fmt.Sprint(pk)
}

func cloneRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

var _ object.Storage = (*Store)(nil)
