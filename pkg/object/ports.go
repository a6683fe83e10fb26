package object

import "context"

// Record is one stored object enumerated by Storage.LoadAll. Info carries
// adapter-specific metadata about the record's origin (for file storages the
// source path) and is handed to the after-load hook.
type Record struct {
	Data map[string]any
	Info any
}

// Storage is the capability set a persistence adapter implements. Objects and
// the factory depend only on this interface; adapters are free to generate
// primary keys, support partial updates, or reject single-property access.
type Storage interface {
	// Load returns the stored properties for pk. Missing records yield a
	// NotFoundError unless the adapter's empty-allowed policy applies, in
	// which case an empty map is returned.
	Load(ctx context.Context, pk any) (map[string]any, error)

	// LoadAll enumerates every stored record in one pass, invoking fn per
	// record. Iteration stops on the first error, which is returned.
	LoadAll(ctx context.Context, fn func(Record) error) error

	// Save persists data for pk. modified holds just the changed subset for
	// adapters that support partial updates. When pk is nil and the adapter
	// generates keys, the new key is returned.
	Save(ctx context.Context, pk any, data, modified map[string]any) (any, error)

	// Delete removes the stored properties for pk.
	Delete(ctx context.Context, pk any, props []string) error

	// GetProp and SetProp access a single property, used for external
	// properties that keep no in-memory copy.
	GetProp(ctx context.Context, pk any, prop string) (any, error)
	SetProp(ctx context.Context, pk any, prop string, value any) error

	// Purge removes records whose deletion was deferred, returning the count.
	Purge(ctx context.Context) (int, error)

	// Cleanup deletes every stored record whose key is not in live,
	// returning the count removed.
	Cleanup(ctx context.Context, live []any) (int, error)

	// GeneratesKeys reports whether Save can mint a primary key.
	GeneratesKeys() bool
}

// Syncer is the capability set a synchronization target implements.
type Syncer interface {
	Sync(ctx context.Context, pk any, data map[string]any) error
	Delete(ctx context.Context, pk any) error
}

// Ports holds the named storages and sync targets an object routes to. It is
// passed explicitly so independent registries can coexist in one process.
type Ports struct {
	storages map[string]Storage
	syncers  map[string]Syncer
}

// NewPorts returns an empty port registry.
func NewPorts() *Ports {
	return &Ports{
		storages: make(map[string]Storage),
		syncers:  make(map[string]Syncer),
	}
}

// DefineStorage registers a storage under id. The empty id is the default
// destination that `store: true` declarations route to.
func (p *Ports) DefineStorage(id string, s Storage) {
	p.storages[id] = s
}

// Storage resolves a storage id.
func (p *Ports) Storage(id string) (Storage, error) {
	s, ok := p.storages[id]
	if !ok {
		return nil, ConfigError{Msg: "storage " + quoteID(id) + " is not defined"}
	}
	return s, nil
}

// DefineSync registers a sync target under id.
func (p *Ports) DefineSync(id string, s Syncer) {
	p.syncers[id] = s
}

// Syncer resolves a sync target id.
func (p *Ports) Syncer(id string) (Syncer, error) {
	s, ok := p.syncers[id]
	if !ok {
		return nil, ConfigError{Msg: "sync " + quoteID(id) + " is not defined"}
	}
	return s, nil
}

// PurgeAll purges deferred deletions on every registered storage, returning
// counts keyed by storage id.
func (p *Ports) PurgeAll(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(p.storages))
	for id, s := range p.storages {
		n, err := s.Purge(ctx)
		if err != nil {
			return out, err
		}
		out[id] = n
	}
	return out, nil
}

func quoteID(id string) string {
	if id == "" {
		return "(default)"
	}
	return `"` + id + `"`
}
