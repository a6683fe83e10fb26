// Package file provides a filesystem storage adapter. Each record is a
// single document under the data directory, named after the primary key and
// encoded with a pluggable codec (JSON by default, YAML optionally).
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"smartobject/pkg/object"
)

// Codec encodes and decodes record documents.
type Codec interface {
	// Ext returns the file extension including the dot.
	Ext() string
	Marshal(map[string]any) ([]byte, error)
	Unmarshal([]byte, *map[string]any) error
}

// JSONCodec stores records as indented JSON documents.
type JSONCodec struct{}

func (JSONCodec) Ext() string { return ".json" }

func (JSONCodec) Marshal(data map[string]any) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}

func (JSONCodec) Unmarshal(b []byte, out *map[string]any) error {
	return json.Unmarshal(b, out)
}

// YAMLCodec stores records as YAML documents.
type YAMLCodec struct{}

func (YAMLCodec) Ext() string { return ".yml" }

func (YAMLCodec) Marshal(data map[string]any) ([]byte, error) {
	return yaml.Marshal(data)
}

func (YAMLCodec) Unmarshal(b []byte, out *map[string]any) error {
	return yaml.Unmarshal(b, out)
}

// Store implements object.Storage on top of a directory of record files.
type Store struct {
	mu            sync.Mutex
	dir           string
	codec         Codec
	allowEmpty    bool
	instantDelete bool
	pendingDelete map[string]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithCodec replaces the default JSON codec.
func WithCodec(c Codec) Option {
	return func(s *Store) { s.codec = c }
}

// WithStrictLoad makes Load fail with a not-found error instead of returning
// an empty record for unknown keys.
func WithStrictLoad() Option {
	return func(s *Store) { s.allowEmpty = false }
}

// WithInstantDelete removes record files immediately instead of deferring the
// removal to Purge.
func WithInstantDelete() Option {
	return func(s *Store) { s.instantDelete = true }
}

// New returns a store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		dir:           dir,
		codec:         JSONCodec{},
		allowEmpty:    true,
		pendingDelete: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GeneratesKeys implements object.Storage.
func (s *Store) GeneratesKeys() bool { return false }

func sanitizeKey(pk any) (string, error) {
	key := fmt.Sprint(pk)
	if strings.TrimSpace(key) == "" {
		return "", errors.New("empty key")
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key contains '..'")
	}
	if strings.HasPrefix(key, "/") {
		return "", errors.New("invalid absolute key")
	}
	clean := filepath.ToSlash(filepath.Clean(key))
	if strings.HasPrefix(clean, "..") {
		return "", errors.New("invalid key traversal")
	}
	return clean, nil
}

func (s *Store) pathFor(pk any) (string, error) {
	key, err := sanitizeKey(pk)
	if err != nil {
		return "", object.LookupError{Storage: "file", Msg: err.Error()}
	}
	return filepath.Join(s.dir, key+s.codec.Ext()), nil
}

// Load implements object.Storage.
func (s *Store) Load(_ context.Context, pk any) (map[string]any, error) {
	path, err := s.pathFor(pk)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if s.allowEmpty {
				return map[string]any{}, nil
			}
			return nil, object.NotFoundError{Storage: "file", PK: pk}
		}
		return nil, err
	}
	return data, nil
}

// LoadAll implements object.Storage. The record Info carries the file path.
func (s *Store) LoadAll(_ context.Context, fn func(object.Record) error) error {
	s.mu.Lock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), s.codec.Ext()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if _, pending := s.pendingDelete[path]; pending {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	recs := make([]object.Record, 0, len(paths))
	for _, path := range paths {
		data, err := s.readLocked(path)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		recs = append(recs, object.Record{Data: data, Info: path})
	}
	s.mu.Unlock()
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Save implements object.Storage. Writes go through a temp file and rename
// so readers never observe a partial document.
func (s *Store) Save(_ context.Context, pk any, data, modified map[string]any) (any, error) {
	if pk == nil {
		return nil, object.LookupError{Storage: "file", Msg: "save without primary key"}
	}
	path, err := s.pathFor(pk)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.readLocked(path)
	if err == nil && len(modified) < len(data) {
		for k, v := range modified {
			existing[k] = v
		}
		data = existing
	}
	if err := s.writeLocked(path, data); err != nil {
		return nil, err
	}
	delete(s.pendingDelete, path)
	return pk, nil
}

// Delete implements object.Storage. Removal is deferred to Purge unless the
// store was built with WithInstantDelete.
func (s *Store) Delete(_ context.Context, pk any, _ []string) error {
	path, err := s.pathFor(pk)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instantDelete {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	s.pendingDelete[path] = struct{}{}
	return nil
}

// GetProp implements object.Storage.
func (s *Store) GetProp(_ context.Context, pk any, prop string) (any, error) {
	path, err := s.pathFor(pk)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, object.LookupError{Storage: "file", Msg: fmt.Sprintf("object %v not saved yet", pk)}
		}
		return nil, err
	}
	return data[prop], nil
}

// SetProp implements object.Storage.
func (s *Store) SetProp(_ context.Context, pk any, prop string, value any) error {
	path, err := s.pathFor(pk)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		data = make(map[string]any)
	}
	data[prop] = value
	return s.writeLocked(path, data)
}

// Purge implements object.Storage, removing record files whose deletion was
// deferred.
func (s *Store) Purge(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for path := range s.pendingDelete {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		delete(s.pendingDelete, path)
		removed++
	}
	return removed, nil
}

// Cleanup implements object.Storage.
func (s *Store) Cleanup(_ context.Context, live []any) (int, error) {
	keep := make(map[string]struct{}, len(live))
	for _, pk := range live {
		path, err := s.pathFor(pk)
		if err != nil {
			return 0, err
		}
		keep[path] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), s.codec.Ext()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if _, ok := keep[path]; ok {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		delete(s.pendingDelete, path)
		removed++
	}
	return removed, nil
}

func (s *Store) readLocked(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := s.codec.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if data == nil {
		data = make(map[string]any)
	}
	return data, nil
}

func (s *Store) writeLocked(path string, data map[string]any) error {
	b, err := s.codec.Marshal(data)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ object.Storage = (*Store)(nil)
