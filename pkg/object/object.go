package object

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoPrimaryKey is returned when an operation that dispatches to a sync
// target runs before the object has a primary key.
var ErrNoPrimaryKey = errors.New("primary key is not set")

// Target distinguishes what a serialized value is produced for, so a
// per-property serializer can emit different representations for persistence
// and for sync.
type Target int

const (
	TargetDefault Target = iota
	TargetSave
	TargetSync
)

// PrepareFunc normalizes a formatted value before it is stored, e.g. deriving
// a composite key from other properties. The default is identity.
type PrepareFunc func(prop string, value any) (any, error)

// AfterLoadFunc runs after Load or a factory bulk load. info carries
// storage-supplied metadata about the record's origin (nil for plain Load).
type AfterLoadFunc func(info any) error

// SerializeFunc overrides serialization for one property.
type SerializeFunc func(target Target) any

// Object is a change-tracked instance of a property schema. All mutable state
// is guarded by a single per-instance lock; storage and sync calls execute
// while it is held, serializing access to this object but not to others.
type Object struct {
	mu     sync.Mutex
	class  string
	ports  *Ports
	log    Logger
	schema *Schema
	a      *applied

	values       map[string]any
	modified     map[string]map[string]struct{} // storage id -> dirty props
	modifiedSync map[string]map[string]struct{} // sync id -> dirty props
	deleted      bool
	snapshot     map[string]any
	factory      *Factory

	prepare     PrepareFunc
	afterLoad   AfterLoadFunc
	serializers map[string]SerializeFunc
}

// New creates an object of the named class with an empty schema. Merge
// fragments into Schema() and call Apply before using it.
func New(class string, ports *Ports) *Object {
	return NewWithSchema(NewSchema(class), ports)
}

// NewWithSchema creates an object over a prebuilt schema. The schema is read
// but never mutated after Apply, so it may be shared across instances.
func NewWithSchema(schema *Schema, ports *Ports) *Object {
	return &Object{
		class:       schema.Class(),
		ports:       ports,
		log:         noopLogger{},
		schema:      schema,
		values:      make(map[string]any),
		serializers: make(map[string]SerializeFunc),
	}
}

// Schema returns the object's schema for fragment composition before Apply.
func (o *Object) Schema() *Schema { return o.schema }

// Class returns the owning class name.
func (o *Object) Class() string { return o.class }

// SetLogger replaces the object's logger.
func (o *Object) SetLogger(l Logger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l != nil {
		o.log = l
	}
}

// SetPrepare installs the prepare hook. Must happen before concurrent use.
func (o *Object) SetPrepare(fn PrepareFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prepare = fn
}

// SetAfterLoad installs the post-load hook.
func (o *Object) SetAfterLoad(fn AfterLoadFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.afterLoad = fn
}

// SetSerializer installs a per-property serialization override.
func (o *Object) SetSerializer(prop string, fn SerializeFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.serializers[prop] = fn
}

// Apply activates the schema: derives the routing indexes, assigns defaults
// to unset non-external properties and freezes the property map. It may be
// called once per instance; a second call fails with a ConfigError.
func (o *Object) Apply() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.a != nil {
		return ConfigError{Class: o.class, Msg: "property map is already applied"}
	}
	a, err := o.schema.build()
	if err != nil {
		return err
	}
	o.a = a
	o.modified = make(map[string]map[string]struct{}, len(a.storageOrder))
	for _, id := range a.storageOrder {
		o.modified[id] = make(map[string]struct{})
	}
	o.modifiedSync = make(map[string]map[string]struct{}, len(a.syncIDs))
	for _, id := range a.syncIDs {
		o.modifiedSync[id] = make(map[string]struct{})
	}
	for _, name := range o.schema.Names() {
		spec, _ := o.schema.Spec(name)
		if spec.External {
			continue
		}
		if _, set := o.values[name]; !set {
			o.values[name] = spec.Default
		}
	}
	return nil
}

// SetPrimaryKey assigns the primary-key property, bypassing its read-only
// protection. Intended for constructors; the change is tracked but no sync or
// save is triggered.
func (o *Object) SetPrimaryKey(ctx context.Context, pk any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.a == nil {
		return ConfigError{Class: o.class, Msg: "property map is not applied"}
	}
	_, err := o.setPropLocked(ctx, o.a.pkField, pk, setConfig{allowReadOnly: true})
	return err
}

// PrimaryKey returns the current primary key, nil before the first persisted
// save when the key is backend-generated.
func (o *Object) PrimaryKey() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.primaryKeyLocked()
}

func (o *Object) primaryKeyLocked() any {
	if o.a == nil {
		return nil
	}
	return o.values[o.a.pkField]
}

// Deleted reports whether the deletion flag is set.
func (o *Object) Deleted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deleted
}

// Alive reports the inverse of Deleted.
func (o *Object) Alive() bool { return !o.Deleted() }

func (o *Object) checkDeletedLocked() error {
	if o.deleted {
		return DeletedError{Class: o.class, PK: o.primaryKeyLocked()}
	}
	return nil
}

// setConfig carries the per-call mutation options.
type setConfig struct {
	save          bool
	sync          bool
	allowReadOnly bool
}

// SetOption adjusts a single SetProp/SetProps call.
type SetOption func(*setConfig)

// WithSave persists the object after the mutation when something changed.
func WithSave() SetOption { return func(c *setConfig) { c.save = true } }

// WithoutSync suppresses the sync dispatch the mutation would otherwise
// trigger.
func WithoutSync() SetOption { return func(c *setConfig) { c.sync = false } }

func buildSetConfig(opts []SetOption) setConfig {
	cfg := setConfig{sync: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// SetProp sets one property. It reports true when the stored value changed;
// setting an equal value, or an external property, reports false. A nil value
// is substituted with the property's default when one is declared.
func (o *Object) SetProp(ctx context.Context, prop string, value any, opts ...SetOption) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkDeletedLocked(); err != nil {
		return false, err
	}
	return o.setPropLocked(ctx, prop, value, buildSetConfig(opts))
}

// SetProps applies a batch of mutations atomically: a snapshot is taken
// first, and any failure rolls every property back before the error is
// returned. On success a single combined sync and/or save runs per the
// options.
func (o *Object) SetProps(ctx context.Context, values map[string]any, opts ...SetOption) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkDeletedLocked(); err != nil {
		return false, err
	}
	return o.setPropsLocked(ctx, values, buildSetConfig(opts))
}

func (o *Object) setPropsLocked(ctx context.Context, values map[string]any, cfg setConfig) (bool, error) {
	snapshot := o.snapshotLocked()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	changed := false
	for _, name := range names {
		ch, err := o.setPropLocked(ctx, name, values[name], setConfig{allowReadOnly: cfg.allowReadOnly})
		if err != nil {
			o.restoreLocked(snapshot)
			return false, err
		}
		changed = changed || ch
	}
	if changed {
		if cfg.sync {
			if err := o.syncLocked(ctx, false); err != nil {
				return changed, err
			}
		}
		if cfg.save {
			if err := o.saveLocked(ctx, false); err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

func (o *Object) setPropLocked(ctx context.Context, prop string, value any, cfg setConfig) (bool, error) {
	if o.a == nil {
		return false, ConfigError{Class: o.class, Msg: "property map is not applied"}
	}
	spec, ok := o.schema.Spec(prop)
	if !ok {
		return false, AccessError{Class: o.class, Prop: prop, Msg: "no such property"}
	}
	if (spec.ReadOnly || spec.PrimaryKey) && !cfg.allowReadOnly {
		return false, AccessError{Class: o.class, Prop: prop, Msg: "property is read-only"}
	}
	if value == nil && spec.Default != nil {
		value = spec.Default
	}
	value, err := formatValue(o.class, prop, spec, value)
	if err != nil {
		return false, err
	}
	if o.prepare != nil {
		if value, err = o.prepare(prop, value); err != nil {
			return false, err
		}
	}
	if spec.External {
		st, err := o.ports.Storage(o.a.externals[prop])
		if err != nil {
			return false, err
		}
		if err := st.SetProp(ctx, o.primaryKeyLocked(), prop, value); err != nil {
			return false, err
		}
		o.logSetLocked(prop, spec, value)
		return false, nil
	}
	if valuesEqual(o.values[prop], value) {
		return false, nil
	}
	o.values[prop] = value
	o.logSetLocked(prop, spec, value)
	if spec.Sync.Enabled() {
		o.modifiedSync[spec.Sync.ID()][prop] = struct{}{}
		if cfg.sync {
			if err := o.syncLocked(ctx, false); err != nil {
				return true, err
			}
		}
	}
	if spec.Store.Enabled() {
		o.modified[spec.Store.ID()][prop] = struct{}{}
	}
	if cfg.save {
		if err := o.saveLocked(ctx, false); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (o *Object) logSetLocked(prop string, spec PropertySpec, value any) {
	v := value
	if spec.LogHideValue {
		v = "***"
	}
	args := []any{"class", o.class, "pk", o.primaryKeyLocked(), "prop", prop, "value", v}
	switch spec.LogLevel {
	case LevelDebug:
		o.log.Debug("set property", args...)
	case LevelWarn:
		o.log.Warn("set property", args...)
	default:
		o.log.Info("set property", args...)
	}
}

// Get returns a property's current value. External properties round-trip to
// their storage and are formatted on the way back.
func (o *Object) Get(ctx context.Context, prop string) (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	spec, ok := o.schema.Spec(prop)
	if !ok {
		return nil, AccessError{Class: o.class, Prop: prop, Msg: "no such property"}
	}
	if spec.External {
		st, err := o.ports.Storage(o.a.externals[prop])
		if err != nil {
			return nil, err
		}
		raw, err := st.GetProp(ctx, o.primaryKeyLocked(), prop)
		if err != nil {
			return nil, err
		}
		return formatValue(o.class, prop, spec, raw)
	}
	return o.values[prop], nil
}

// Serialize returns property name -> value for the named serialization mode;
// the empty mode covers every property. Deleted objects refuse to serialize
// unless allowDeleted is set.
func (o *Object) Serialize(ctx context.Context, mode string, allowDeleted bool) (map[string]any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !allowDeleted {
		if err := o.checkDeletedLocked(); err != nil {
			return nil, err
		}
	}
	if o.a == nil {
		return nil, ConfigError{Class: o.class, Msg: "property map is not applied"}
	}
	group, ok := o.a.serializeGroups[mode]
	if !ok {
		return nil, LookupError{Msg: fmt.Sprintf("unknown serialization mode %q", mode)}
	}
	out := make(map[string]any, len(group))
	for name := range group {
		v, err := o.serializePropLocked(ctx, name, TargetDefault)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func (o *Object) serializePropLocked(ctx context.Context, prop string, target Target) (any, error) {
	if fn, ok := o.serializers[prop]; ok {
		return fn(target), nil
	}
	if sid, external := o.a.externals[prop]; external {
		st, err := o.ports.Storage(sid)
		if err != nil {
			return nil, err
		}
		raw, err := st.GetProp(ctx, o.primaryKeyLocked(), prop)
		if err != nil {
			return nil, err
		}
		spec, _ := o.schema.Spec(prop)
		return formatValue(o.class, prop, spec, raw)
	}
	return o.values[prop], nil
}

// Load pulls the object's stored representation from every routed storage,
// applies it through the batched mutation path with the read-only override
// and sync suppressed, invokes the after-load hook and performs one sync.
// Storage not-found errors propagate untouched.
func (o *Object) Load(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkDeletedLocked(); err != nil {
		return err
	}
	o.log.Debug("loading object", "class", o.class, "pk", o.primaryKeyLocked())
	for _, sid := range o.a.storageOrder {
		st, err := o.ports.Storage(sid)
		if err != nil {
			return err
		}
		data, err := st.Load(ctx, o.primaryKeyLocked())
		if err != nil {
			return err
		}
		if err := o.applyLoadedLocked(ctx, sid, data); err != nil {
			return err
		}
	}
	if o.afterLoad != nil {
		if err := o.afterLoad(nil); err != nil {
			return err
		}
	}
	return o.syncLocked(ctx, false)
}

// applyLoadedLocked applies one storage's record: external and undeclared
// keys are dropped, values go through the batched path with the read-only
// override, and the storage's dirty set is cleared since loaded state is by
// definition clean.
func (o *Object) applyLoadedLocked(ctx context.Context, storageID string, data map[string]any) error {
	filtered := make(map[string]any, len(data))
	for name, v := range data {
		spec, ok := o.schema.Spec(name)
		if !ok || spec.External {
			continue
		}
		filtered[name] = v
	}
	if _, err := o.setPropsLocked(ctx, filtered, setConfig{allowReadOnly: true}); err != nil {
		return err
	}
	for name := range o.modified[storageID] {
		delete(o.modified[storageID], name)
	}
	return nil
}

// Save persists the object to each routed storage in schema order, the
// primary-key-owning storage first. Unless force is set, storages with an
// empty dirty set are skipped and only the dirty subset is offered as the
// partial update. A key returned by a generating storage is adopted before
// later storages run. Dirty sets are cleared per storage on success only.
func (o *Object) Save(ctx context.Context, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.saveLocked(ctx, force)
}

func (o *Object) saveLocked(ctx context.Context, force bool) error {
	if err := o.checkDeletedLocked(); err != nil {
		return err
	}
	pk := o.primaryKeyLocked()
	o.log.Debug("saving object", "class", o.class, "pk", pk)
	for _, sid := range o.a.storageOrder {
		dirty := o.modified[sid]
		if len(dirty) == 0 && !force {
			continue
		}
		st, err := o.ports.Storage(sid)
		if err != nil {
			return err
		}
		if pk == nil && !st.GeneratesKeys() {
			continue
		}
		data := make(map[string]any, len(o.a.storageProps[sid]))
		for name := range o.a.storageProps[sid] {
			if _, external := o.a.externals[name]; external {
				continue
			}
			v, err := o.serializePropLocked(ctx, name, TargetSave)
			if err != nil {
				return err
			}
			data[name] = v
		}
		modified := data
		if !force {
			modified = make(map[string]any, len(dirty))
			for name := range dirty {
				if v, ok := data[name]; ok {
					modified[name] = v
				}
			}
		}
		npk, err := st.Save(ctx, pk, data, modified)
		if err != nil {
			return err
		}
		for name := range dirty {
			delete(dirty, name)
		}
		if pk == nil && npk != nil {
			if _, err := o.setPropLocked(ctx, o.a.pkField, npk, setConfig{allowReadOnly: true, sync: true}); err != nil {
				return err
			}
			pk = o.primaryKeyLocked()
		}
	}
	return nil
}

// Sync pushes changed property values to each sync target. The payload is
// the union of the target's changed-since-last-sync properties (all
// sync-eligible ones when force is set) and its always-included properties.
// Targets with an empty payload are skipped unless forced. A target's dirty
// set is cleared only after its dispatch succeeds, and not at all when
// forced.
func (o *Object) Sync(ctx context.Context, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncLocked(ctx, force)
}

func (o *Object) syncLocked(ctx context.Context, force bool) error {
	if err := o.checkDeletedLocked(); err != nil {
		return err
	}
	if len(o.a.syncIDs) == 0 {
		return nil
	}
	pk := o.primaryKeyLocked()
	for _, sid := range o.a.syncIDs {
		props := o.modifiedSync[sid]
		if force {
			props = o.a.syncChanged[sid]
		}
		payload := make(map[string]any, len(props)+len(o.a.syncAlways[sid]))
		for name := range props {
			v, err := o.serializePropLocked(ctx, name, TargetSync)
			if err != nil {
				return err
			}
			payload[name] = v
		}
		for name := range o.a.syncAlways[sid] {
			v, err := o.serializePropLocked(ctx, name, TargetSync)
			if err != nil {
				return err
			}
			payload[name] = v
		}
		if len(payload) == 0 && !force {
			continue
		}
		if pk == nil {
			return ErrNoPrimaryKey
		}
		sn, err := o.ports.Syncer(sid)
		if err != nil {
			return err
		}
		if err := sn.Sync(ctx, pk, payload); err != nil {
			return err
		}
		if !force {
			for name := range o.modifiedSync[sid] {
				delete(o.modifiedSync[sid], name)
			}
		}
	}
	return nil
}

// SnapshotCreate captures the current values of every writable, non-external
// property. The snapshot also fills the object's single internal slot; a
// second call replaces the first, nested snapshots are not supported.
func (o *Object) SnapshotCreate() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyValues(o.snapshotLocked())
}

func (o *Object) snapshotLocked() map[string]any {
	snap := make(map[string]any)
	for _, name := range o.schema.Names() {
		spec, _ := o.schema.Spec(name)
		if spec.ReadOnly || spec.PrimaryKey || spec.External {
			continue
		}
		snap[name] = o.values[name]
	}
	o.snapshot = snap
	return snap
}

// SnapshotRollback restores property values from the given snapshot, or from
// the internal slot when snapshot is nil. Restored properties are re-marked
// dirty so a subsequent save persists the rollback.
func (o *Object) SnapshotRollback(snapshot map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if snapshot == nil {
		if o.snapshot == nil {
			return LookupError{Msg: "no snapshot defined"}
		}
		snapshot = o.snapshot
	}
	o.restoreLocked(snapshot)
	return nil
}

// restoreLocked assigns snapshot values directly. The values were formatted
// when first stored, so no validation or hooks re-run; changed properties are
// re-marked dirty for their storage and sync routes.
func (o *Object) restoreLocked(snapshot map[string]any) {
	for name, v := range snapshot {
		if valuesEqual(o.values[name], v) {
			continue
		}
		o.values[name] = v
		spec, ok := o.schema.Spec(name)
		if !ok {
			continue
		}
		if spec.Store.Enabled() {
			o.modified[spec.Store.ID()][name] = struct{}{}
		}
		if spec.Sync.Enabled() {
			o.modifiedSync[spec.Sync.ID()][name] = struct{}{}
		}
	}
}

// Delete marks the object deleted and removes its persisted and synced data.
// It is idempotent. When the object is owned by a factory, deletion is
// delegated so the registry can drop its maps and indexes first. An object
// that never had a primary key produces no storage or sync calls.
func (o *Object) Delete(ctx context.Context) error {
	o.mu.Lock()
	fac := o.factory
	pk := o.primaryKeyLocked()
	o.mu.Unlock()
	if fac != nil && pk != nil {
		return fac.Delete(ctx, pk)
	}
	return o.deleteLocal(ctx)
}

func (o *Object) deleteLocal(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deleted {
		return nil
	}
	pk := o.primaryKeyLocked()
	o.log.Info("deleting object", "class", o.class, "pk", pk)
	o.deleted = true
	if pk == nil {
		return nil
	}
	for _, sid := range o.a.storageOrder {
		st, err := o.ports.Storage(sid)
		if err != nil {
			return err
		}
		props := make([]string, 0, len(o.a.storageProps[sid]))
		for name := range o.a.storageProps[sid] {
			props = append(props, name)
		}
		sort.Strings(props)
		if err := st.Delete(ctx, pk, props); err != nil {
			return err
		}
	}
	for _, sid := range o.a.syncIDs {
		sn, err := o.ports.Syncer(sid)
		if err != nil {
			return err
		}
		if err := sn.Delete(ctx, pk); err != nil {
			return err
		}
	}
	return nil
}

// setFactory attaches or detaches the owning registry back-reference.
func (o *Object) setFactory(f *Factory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.factory = f
	if f != nil {
		if _, isNoop := o.log.(noopLogger); isNoop {
			o.log = f.log
		}
	}
}

func copyValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
