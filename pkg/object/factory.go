package object

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Constructor builds a fresh, schema-applied object. pk is non-nil on the
// autoload path, where the factory needs the key in place before Load runs;
// implementations set it through the schema's primary-key property.
type Constructor func(pk any) (*Object, error)

// CreateOptions adjusts a single Create call.
type CreateOptions struct {
	// Load pulls the object's persisted state before admission.
	Load bool
	// Save persists the object after admission.
	Save bool
	// Override replaces an existing registry entry instead of failing.
	Override bool
}

type accessStamp struct {
	at  time.Time
	seq uint64
}

// Factory owns a registry of live objects keyed by primary key, with
// optional secondary indexes and an optional LRU size bound. It is the only
// component that removes an object's in-memory presence; eviction and
// removal never touch persisted data.
type Factory struct {
	mu              sync.Mutex
	construct       Constructor
	objects         map[any]*Object
	indexes         map[string]map[any]map[*Object]struct{}
	access          map[any]accessStamp
	seq             uint64
	maxSize         int
	autoload        bool
	autoloadStorage string
	autocreate      bool
	autosave        bool
	log             Logger
	clock           Clock

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewFactory builds a registry around the given object constructor.
func NewFactory(construct Constructor, opts ...FactoryOption) *Factory {
	f := &Factory{
		construct: construct,
		objects:   make(map[any]*Object),
		indexes:   make(map[string]map[any]map[*Object]struct{}),
		access:    make(map[any]accessStamp),
		log:       noopLogger{},
		clock:     ClockFunc(func() time.Time { return time.Now().UTC() }),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Len returns the number of registered objects.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// Objects returns the registered objects keyed by primary key.
func (f *Factory) Objects() map[any]*Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[any]*Object, len(f.objects))
	for pk, o := range f.objects {
		out[pk] = o
	}
	return out
}

// AddIndex declares a secondary index on a property. Indexes must be
// declared before any object is admitted; retrofitting one would require a
// full scan, which callers do explicitly via Reindex per object.
func (f *Factory) AddIndex(prop string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.objects) > 0 {
		return ConfigError{Msg: "indexes must be declared before objects are added"}
	}
	if _, exists := f.indexes[prop]; exists {
		return ConfigError{Msg: "index already exists: " + prop}
	}
	f.indexes[prop] = make(map[any]map[*Object]struct{})
	return nil
}

// Create admits an object under its primary key, optionally loading or
// saving it first. A nil object is built with the factory's constructor.
func (f *Factory) Create(ctx context.Context, obj *Object, opts CreateOptions) (*Object, error) {
	if obj == nil {
		var err error
		if obj, err = f.construct(nil); err != nil {
			return nil, err
		}
	}
	if opts.Load {
		if err := obj.Load(ctx); err != nil {
			return nil, err
		}
	}
	if opts.Save || (f.autosave && !opts.Load) {
		if err := obj.Save(ctx, false); err != nil {
			return nil, err
		}
	}
	if err := f.admit(obj, opts.Override); err != nil {
		return nil, err
	}
	return obj, nil
}

// Append admits an existing object without loading or saving it.
func (f *Factory) Append(obj *Object) error {
	return f.admit(obj, false)
}

func (f *Factory) admit(obj *Object, override bool) error {
	pk := obj.PrimaryKey()
	if pk == nil {
		return ErrNoPrimaryKey
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.objects[pk]; ok {
		if !override {
			return ExistsError{PK: pk}
		}
		f.dropLocked(pk, existing)
	}
	f.objects[pk] = obj
	f.touchLocked(pk)
	f.indexLocked(obj)
	obj.setFactory(f)
	f.log.Debug("object registered", "pk", pk, "size", len(f.objects))
	f.evictLocked()
	return nil
}

// indexLocked records the object in every declared index by reading the
// indexed properties' current in-memory values.
func (f *Factory) indexLocked(obj *Object) {
	for prop, byValue := range f.indexes {
		v, err := obj.Get(context.Background(), prop)
		if err != nil {
			continue
		}
		if byValue[v] == nil {
			byValue[v] = make(map[*Object]struct{})
		}
		byValue[v][obj] = struct{}{}
	}
}

func (f *Factory) unindexLocked(obj *Object) {
	for _, byValue := range f.indexes {
		for v, set := range byValue {
			if _, ok := set[obj]; ok {
				delete(set, obj)
				if len(set) == 0 {
					delete(byValue, v)
				}
			}
		}
	}
}

// Reindex rebuilds the object's index entries after an indexed property was
// mutated. Index maintenance is explicit: indexes are derived views and are
// not kept in sync with arbitrary property mutation.
func (f *Factory) Reindex(obj *Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unindexLocked(obj)
	f.indexLocked(obj)
}

func (f *Factory) touchLocked(pk any) {
	f.seq++
	f.access[pk] = accessStamp{at: f.clock.Now(), seq: f.seq}
}

// Get returns the registered object for pk, stamping its last-access time.
// With autoload enabled a missing object is constructed and loaded from
// storage; a not-found result propagates unless autocreate is set, in which
// case the fresh unsaved object is returned without admission.
func (f *Factory) Get(ctx context.Context, pk any) (*Object, error) {
	f.mu.Lock()
	if obj, ok := f.objects[pk]; ok {
		f.touchLocked(pk)
		f.hits++
		f.mu.Unlock()
		return obj, nil
	}
	f.misses++
	autoload := f.autoload
	f.mu.Unlock()
	if !autoload {
		return nil, LookupError{Msg: "object is not registered: " + sprintPK(pk)}
	}
	obj, err := f.construct(pk)
	if err != nil {
		return nil, err
	}
	if err := obj.Load(ctx); err != nil {
		var nf NotFoundError
		if errors.As(err, &nf) && f.autocreate {
			return obj, nil
		}
		return nil, err
	}
	if err := f.admit(obj, false); err != nil {
		return nil, err
	}
	return obj, nil
}

// GetByIndex returns the registered objects whose indexed property currently
// holds value. With autoload enabled the backing storage is additionally
// scanned when no in-memory match exists or getAll is set; newly discovered
// objects are admitted before the combined result is returned.
func (f *Factory) GetByIndex(ctx context.Context, prop string, value any, getAll bool) ([]*Object, error) {
	f.mu.Lock()
	byValue, ok := f.indexes[prop]
	if !ok {
		f.mu.Unlock()
		return nil, LookupError{Msg: "no such index: " + prop}
	}
	matches := make([]*Object, 0, len(byValue[value]))
	for obj := range byValue[value] {
		matches = append(matches, obj)
	}
	autoload := f.autoload
	storageID := f.autoloadStorage
	f.mu.Unlock()
	if !autoload || (len(matches) > 0 && !getAll) {
		sortByPK(matches)
		return matches, nil
	}
	known := make(map[any]struct{}, len(matches))
	for _, obj := range matches {
		known[obj.PrimaryKey()] = struct{}{}
	}
	err := f.scanStorage(ctx, storageID, func(rec Record) error {
		if !valuesEqual(rec.Data[prop], value) {
			return nil
		}
		obj, err := f.buildRecord(ctx, storageID, rec)
		if err != nil {
			return err
		}
		pk := obj.PrimaryKey()
		// already-admitted matches stay as they are; their hooks and sync
		// targets must not see a throwaway copy
		if _, dup := known[pk]; dup {
			return nil
		}
		if err := f.finishLoad(ctx, obj, rec.Info); err != nil {
			return err
		}
		if err := f.admit(obj, false); err != nil {
			return err
		}
		known[pk] = struct{}{}
		matches = append(matches, obj)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByPK(matches)
	return matches, nil
}

func (f *Factory) scanStorage(ctx context.Context, storageID string, fn func(Record) error) error {
	probe, err := f.construct(nil)
	if err != nil {
		return err
	}
	st, err := probe.ports.Storage(storageID)
	if err != nil {
		return err
	}
	return st.LoadAll(ctx, fn)
}

// loadRecord builds an object from one enumerated storage record using the
// read-only override path, runs the after-load hook with the record's
// metadata and performs one sync.
func (f *Factory) loadRecord(ctx context.Context, storageID string, rec Record) (*Object, error) {
	obj, err := f.buildRecord(ctx, storageID, rec)
	if err != nil {
		return nil, err
	}
	if err := f.finishLoad(ctx, obj, rec.Info); err != nil {
		return nil, err
	}
	return obj, nil
}

// buildRecord constructs an object and applies one storage record to it
// without running the after-load hook or syncing, so the caller can still
// discard it.
func (f *Factory) buildRecord(ctx context.Context, storageID string, rec Record) (*Object, error) {
	obj, err := f.construct(nil)
	if err != nil {
		return nil, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if err := obj.applyLoadedLocked(ctx, storageID, rec.Data); err != nil {
		return nil, err
	}
	return obj, nil
}

// finishLoad runs the after-load hook with the record's metadata and performs
// one sync.
func (f *Factory) finishLoad(ctx context.Context, obj *Object, info any) error {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.afterLoad != nil {
		if err := obj.afterLoad(info); err != nil {
			return err
		}
	}
	return obj.syncLocked(ctx, false)
}

// LoadAll constructs and admits one object per record the storage can
// enumerate, without re-saving any of them.
func (f *Factory) LoadAll(ctx context.Context, storageID string) error {
	return f.scanStorage(ctx, storageID, func(rec Record) error {
		obj, err := f.loadRecord(ctx, storageID, rec)
		if err != nil {
			return err
		}
		return f.admit(obj, false)
	})
}

// SaveAll saves every registered object.
func (f *Factory) SaveAll(ctx context.Context, force bool) error {
	for _, obj := range f.sortedObjects() {
		if err := obj.Save(ctx, force); err != nil {
			return err
		}
	}
	return nil
}

// SyncAll syncs every registered object.
func (f *Factory) SyncAll(ctx context.Context, force bool) error {
	for _, obj := range f.sortedObjects() {
		if err := obj.Sync(ctx, force); err != nil {
			return err
		}
	}
	return nil
}

func (f *Factory) sortedObjects() []*Object {
	f.mu.Lock()
	out := make([]*Object, 0, len(f.objects))
	for _, obj := range f.objects {
		out = append(out, obj)
	}
	f.mu.Unlock()
	sortByPK(out)
	return out
}

// Purge evicts least-recently-accessed entries until the registry is back
// within its size bound. Ties on the access time fall back to admission
// order. Evicted objects keep valid in-memory state but are detached from
// the registry; their persisted data is untouched.
func (f *Factory) Purge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictLocked()
}

func (f *Factory) evictLocked() {
	if f.maxSize <= 0 {
		return
	}
	for len(f.objects) > f.maxSize {
		var victim any
		var oldest accessStamp
		first := true
		for pk, stamp := range f.access {
			if first || stamp.at.Before(oldest.at) || (stamp.at.Equal(oldest.at) && stamp.seq < oldest.seq) {
				victim, oldest, first = pk, stamp, false
			}
		}
		obj := f.objects[victim]
		f.dropLocked(victim, obj)
		f.evictions++
		f.log.Debug("object evicted", "pk", victim, "size", len(f.objects))
	}
}

// dropLocked removes an entry from the map, indexes and access table and
// clears the object's back-reference.
func (f *Factory) dropLocked(pk any, obj *Object) {
	delete(f.objects, pk)
	delete(f.access, pk)
	if obj != nil {
		f.unindexLocked(obj)
		obj.setFactory(nil)
	}
}

// Remove unregisters the object without touching its persisted data.
func (f *Factory) Remove(pk any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[pk]
	if !ok {
		return LookupError{Msg: "object is not registered: " + sprintPK(pk)}
	}
	f.dropLocked(pk, obj)
	return nil
}

// Delete unregisters the object and deletes its persisted and synced data.
func (f *Factory) Delete(ctx context.Context, pk any) error {
	f.mu.Lock()
	obj, ok := f.objects[pk]
	if !ok {
		f.mu.Unlock()
		return LookupError{Msg: "object is not registered: " + sprintPK(pk)}
	}
	f.dropLocked(pk, obj)
	f.mu.Unlock()
	return obj.deleteLocal(ctx)
}

// CleanupStorage deletes every persisted record whose key is not currently
// registered, returning the count removed. It refuses to run on a
// size-bounded registry, where eviction makes "not registered" ambiguous.
func (f *Factory) CleanupStorage(ctx context.Context, storageID string) (int, error) {
	f.mu.Lock()
	if f.maxSize > 0 {
		f.mu.Unlock()
		return 0, ConfigError{Msg: "cleanup is not available on a size-bounded registry"}
	}
	live := make([]any, 0, len(f.objects))
	for pk := range f.objects {
		live = append(live, pk)
	}
	f.mu.Unlock()
	probe, err := f.construct(nil)
	if err != nil {
		return 0, err
	}
	st, err := probe.ports.Storage(storageID)
	if err != nil {
		return 0, err
	}
	return st.Cleanup(ctx, live)
}

// Stats is a point-in-time view of registry activity.
type Stats struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns current registry counters.
func (f *Factory) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Size:      len(f.objects),
		Hits:      f.hits,
		Misses:    f.misses,
		Evictions: f.evictions,
	}
}

func sortByPK(objs []*Object) {
	sort.Slice(objs, func(i, j int) bool {
		return sprintPK(objs[i].PrimaryKey()) < sprintPK(objs[j].PrimaryKey())
	})
}

func sprintPK(pk any) string { return fmt.Sprint(pk) }
