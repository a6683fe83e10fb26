package object

import (
	"context"
	"errors"
	"testing"
	"time"
)

func userConstructor(t *testing.T, ports *Ports) Constructor {
	t.Helper()
	return func(pk any) (*Object, error) {
		obj := New("user", ports)
		if err := obj.Schema().Merge(userFragment, false); err != nil {
			return nil, err
		}
		if err := obj.Apply(); err != nil {
			return nil, err
		}
		if pk != nil {
			if err := obj.SetPrimaryKey(context.Background(), pk); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
}

func TestFactoryCreateAndGet(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	obj := newUserObject(t, ports, "bob")
	if _, err := f.Create(ctx, obj, CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if f.Len() != 1 {
		t.Fatalf("expected one registered object, got %d", f.Len())
	}
	got, err := f.Get(ctx, "bob")
	if err != nil || got != obj {
		t.Fatalf("get: %v, %v", got, err)
	}
	var le LookupError
	if _, err := f.Get(ctx, "ghost"); !errors.As(err, &le) {
		t.Fatalf("expected LookupError without autoload, got %v", err)
	}
	s := f.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Size != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestFactoryCreateWithoutKey(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	if _, err := f.Create(context.Background(), nil, CreateOptions{}); !errors.Is(err, ErrNoPrimaryKey) {
		t.Fatalf("expected ErrNoPrimaryKey, got %v", err)
	}
}

func TestFactoryCreateDuplicateAndOverride(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	first := newUserObject(t, ports, "bob")
	if _, err := f.Create(ctx, first, CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := newUserObject(t, ports, "bob")
	var ee ExistsError
	if _, err := f.Create(ctx, second, CreateOptions{}); !errors.As(err, &ee) {
		t.Fatalf("expected ExistsError, got %v", err)
	}
	if _, err := f.Create(ctx, second, CreateOptions{Override: true}); err != nil {
		t.Fatalf("create with override: %v", err)
	}
	got, err := f.Get(ctx, "bob")
	if err != nil || got != second {
		t.Fatalf("expected replacement object, got %v, %v", got, err)
	}
	if f.Len() != 1 {
		t.Fatalf("override must not grow the registry, len=%d", f.Len())
	}
}

func TestFactoryCreateSaveAndAutosave(t *testing.T) {
	ports, st, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	if _, err := f.Create(ctx, newUserObject(t, ports, "a"), CreateOptions{Save: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.saves != 1 {
		t.Fatalf("expected save on admission, got %d", st.saves)
	}
	auto := NewFactory(userConstructor(t, ports), WithAutosave())
	if _, err := auto.Create(ctx, newUserObject(t, ports, "b"), CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.saves != 2 {
		t.Fatalf("expected autosave on admission, got %d saves", st.saves)
	}
}

func TestFactoryGetAutoload(t *testing.T) {
	ports, st, _ := newUserPorts()
	st.records["bob"] = map[string]any{"login": "bob", "email": "bob@example.com"}
	f := NewFactory(userConstructor(t, ports), WithAutoload(""))
	ctx := context.Background()
	obj, err := f.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("autoload get: %v", err)
	}
	v, _ := obj.Get(ctx, "email")
	if v != "bob@example.com" {
		t.Fatalf("expected loaded email, got %v", v)
	}
	if f.Len() != 1 {
		t.Fatalf("autoloaded object must be admitted")
	}
	again, err := f.Get(ctx, "bob")
	if err != nil || again != obj {
		t.Fatalf("expected registry hit, got %v, %v", again, err)
	}
	s := f.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestFactoryGetAutoloadMissing(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports), WithAutoload(""))
	var nf NotFoundError
	if _, err := f.Get(context.Background(), "ghost"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestFactoryGetAutocreate(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports), WithAutoload(""), WithAutocreate())
	ctx := context.Background()
	obj, err := f.Get(ctx, "ghost")
	if err != nil {
		t.Fatalf("autocreate get: %v", err)
	}
	if obj.PrimaryKey() != "ghost" {
		t.Fatalf("expected constructed pk, got %v", obj.PrimaryKey())
	}
	if f.Len() != 0 {
		t.Fatalf("autocreated object must not be admitted")
	}
}

func TestFactoryLRUEviction(t *testing.T) {
	ports, _, _ := newUserPorts()
	now := time.Unix(1000, 0)
	clock := ClockFunc(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	f := NewFactory(userConstructor(t, ports), WithMaxSize(2), WithClock(clock))
	ctx := context.Background()
	for _, pk := range []string{"a", "b"} {
		if _, err := f.Create(ctx, newUserObject(t, ports, pk), CreateOptions{}); err != nil {
			t.Fatalf("create %s: %v", pk, err)
		}
	}
	// touch "a" so "b" becomes the LRU victim
	if _, err := f.Get(ctx, "a"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.Create(ctx, newUserObject(t, ports, "c"), CreateOptions{}); err != nil {
		t.Fatalf("create c: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("expected size bound to hold, len=%d", f.Len())
	}
	if _, err := f.Get(ctx, "b"); err == nil {
		t.Fatalf("expected b evicted")
	}
	for _, pk := range []string{"a", "c"} {
		if _, err := f.Get(ctx, pk); err != nil {
			t.Fatalf("expected %s to survive: %v", pk, err)
		}
	}
	if f.Stats().Evictions != 1 {
		t.Fatalf("expected one eviction, got %d", f.Stats().Evictions)
	}
}

func TestFactoryIndexes(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	if err := f.AddIndex("email"); err != nil {
		t.Fatalf("add index: %v", err)
	}
	if err := f.AddIndex("email"); err == nil {
		t.Fatalf("expected duplicate index to fail")
	}
	bob := newUserObject(t, ports, "bob")
	if _, err := bob.SetProp(ctx, "email", "shared@example.com"); err != nil {
		t.Fatalf("set: %v", err)
	}
	alice := newUserObject(t, ports, "alice")
	if _, err := alice.SetProp(ctx, "email", "shared@example.com"); err != nil {
		t.Fatalf("set: %v", err)
	}
	for _, obj := range []*Object{bob, alice} {
		if _, err := f.Create(ctx, obj, CreateOptions{}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := f.AddIndex("name"); err == nil {
		t.Fatalf("expected index declaration after objects to fail")
	}
	matches, err := f.GetByIndex(ctx, "email", "shared@example.com", false)
	if err != nil {
		t.Fatalf("get by index: %v", err)
	}
	if len(matches) != 2 || matches[0].PrimaryKey() != "alice" || matches[1].PrimaryKey() != "bob" {
		t.Fatalf("unexpected matches: %v", matches)
	}
	var le LookupError
	if _, err := f.GetByIndex(ctx, "name", "x", false); !errors.As(err, &le) {
		t.Fatalf("expected LookupError for unknown index, got %v", err)
	}
	// index entries are views; mutation needs an explicit reindex
	if _, err := bob.SetProp(ctx, "email", "moved@example.com"); err != nil {
		t.Fatalf("set: %v", err)
	}
	matches, err = f.GetByIndex(ctx, "email", "moved@example.com", false)
	if err != nil || len(matches) != 0 {
		t.Fatalf("expected stale index before reindex, got %v, %v", matches, err)
	}
	f.Reindex(bob)
	matches, err = f.GetByIndex(ctx, "email", "moved@example.com", false)
	if err != nil || len(matches) != 1 || matches[0] != bob {
		t.Fatalf("expected reindexed match, got %v, %v", matches, err)
	}
	matches, err = f.GetByIndex(ctx, "email", "shared@example.com", false)
	if err != nil || len(matches) != 1 || matches[0] != alice {
		t.Fatalf("expected old entry dropped, got %v, %v", matches, err)
	}
}

func TestFactoryGetByIndexAutoloadScan(t *testing.T) {
	ports, st, _ := newUserPorts()
	st.records["bob"] = map[string]any{"login": "bob", "email": "x@example.com"}
	st.records["carol"] = map[string]any{"login": "carol", "email": "x@example.com"}
	st.records["dave"] = map[string]any{"login": "dave", "email": "other@example.com"}
	f := NewFactory(userConstructor(t, ports), WithAutoload(""))
	if err := f.AddIndex("email"); err != nil {
		t.Fatalf("add index: %v", err)
	}
	ctx := context.Background()
	matches, err := f.GetByIndex(ctx, "email", "x@example.com", true)
	if err != nil {
		t.Fatalf("get by index: %v", err)
	}
	if len(matches) != 2 || matches[0].PrimaryKey() != "bob" || matches[1].PrimaryKey() != "carol" {
		t.Fatalf("unexpected matches: %v", matches)
	}
	if f.Len() != 2 {
		t.Fatalf("scanned objects must be admitted, len=%d", f.Len())
	}
	// repeated scan must not duplicate already-admitted matches
	matches, err = f.GetByIndex(ctx, "email", "x@example.com", true)
	if err != nil || len(matches) != 2 {
		t.Fatalf("expected stable result, got %v, %v", matches, err)
	}
}

func TestFactoryLoadAll(t *testing.T) {
	ports, st, _ := newUserPorts()
	st.records["a"] = map[string]any{"login": "a", "email": "a@example.com"}
	st.records["b"] = map[string]any{"login": "b", "email": "b@example.com"}
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	if err := f.LoadAll(ctx, ""); err != nil {
		t.Fatalf("load all: %v", err)
	}
	if f.Len() != 2 {
		t.Fatalf("expected two objects, got %d", f.Len())
	}
	obj, err := f.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	v, _ := obj.Get(ctx, "email")
	if v != "a@example.com" {
		t.Fatalf("expected loaded email, got %v", v)
	}
	saves := st.saves
	if err := f.SaveAll(ctx, false); err != nil {
		t.Fatalf("save all: %v", err)
	}
	if st.saves != saves {
		t.Fatalf("bulk-loaded objects must not be dirty")
	}
}

func TestFactorySaveAllAndSyncAll(t *testing.T) {
	ports, st, sn := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	for _, pk := range []string{"a", "b"} {
		obj := newUserObject(t, ports, pk)
		if _, err := obj.SetProp(ctx, "level", 1, WithoutSync()); err != nil {
			t.Fatalf("set: %v", err)
		}
		if _, err := f.Create(ctx, obj, CreateOptions{}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := f.SaveAll(ctx, false); err != nil {
		t.Fatalf("save all: %v", err)
	}
	if st.saves != 2 {
		t.Fatalf("expected two saves, got %d", st.saves)
	}
	if err := f.SyncAll(ctx, false); err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if len(sn.calls) != 2 {
		t.Fatalf("expected two sync dispatches, got %d", len(sn.calls))
	}
}

func TestFactoryRemoveKeepsStorage(t *testing.T) {
	ports, st, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	obj := newUserObject(t, ports, "bob")
	if _, err := f.Create(ctx, obj, CreateOptions{Save: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.Remove("bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if f.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
	if _, ok := st.records["bob"]; !ok {
		t.Fatalf("remove must not touch persisted data")
	}
	if obj.Deleted() {
		t.Fatalf("removed object must stay alive")
	}
	if err := f.Remove("bob"); err == nil {
		t.Fatalf("expected error removing unregistered object")
	}
}

func TestFactoryDeleteDropsStorage(t *testing.T) {
	ports, st, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	obj := newUserObject(t, ports, "bob")
	if _, err := f.Create(ctx, obj, CreateOptions{Save: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// object-side delete delegates to the registry
	if err := obj.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.Len() != 0 {
		t.Fatalf("expected object unregistered")
	}
	if _, ok := st.records["bob"]; ok {
		t.Fatalf("expected persisted record removed")
	}
	if !obj.Deleted() {
		t.Fatalf("expected deleted flag set")
	}
}

func TestFactoryCleanupStorage(t *testing.T) {
	ports, st, _ := newUserPorts()
	st.records["stale"] = map[string]any{"login": "stale"}
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	if _, err := f.Create(ctx, newUserObject(t, ports, "live"), CreateOptions{Save: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := f.CleanupStorage(ctx, "")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stale record removed, got %d", n)
	}
	if _, ok := st.records["live"]; !ok {
		t.Fatalf("live record must survive cleanup")
	}
	bounded := NewFactory(userConstructor(t, ports), WithMaxSize(10))
	var cfg ConfigError
	if _, err := bounded.CleanupStorage(ctx, ""); !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError on bounded registry, got %v", err)
	}
}

func TestFactoryPurge(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	for _, pk := range []string{"a", "b", "c"} {
		if _, err := f.Create(ctx, newUserObject(t, ports, pk), CreateOptions{}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// an unbounded registry never evicts
	f.Purge()
	if f.Len() != 3 {
		t.Fatalf("expected no eviction without size bound, len=%d", f.Len())
	}
}

func TestFactoryGetByIndexRepeatScanSyncsNewMatchesOnly(t *testing.T) {
	ports, st, sn := newUserPorts()
	st.records["bob"] = map[string]any{"login": "bob", "email": "x@example.com", "level": 2}
	f := NewFactory(userConstructor(t, ports), WithAutoload(""))
	if err := f.AddIndex("email"); err != nil {
		t.Fatalf("add index: %v", err)
	}
	ctx := context.Background()
	if _, err := f.GetByIndex(ctx, "email", "x@example.com", true); err != nil {
		t.Fatalf("get by index: %v", err)
	}
	dispatched := len(sn.calls)
	if dispatched == 0 {
		t.Fatalf("expected a sync for the newly loaded match")
	}
	if _, err := f.GetByIndex(ctx, "email", "x@example.com", true); err != nil {
		t.Fatalf("repeat scan: %v", err)
	}
	if len(sn.calls) != dispatched {
		t.Fatalf("rescanning an admitted match must not re-sync it, got %d extra dispatches", len(sn.calls)-dispatched)
	}
}

func TestFactoryLoggerInheritance(t *testing.T) {
	ports, _, _ := newUserPorts()
	log := &captureLogger{}
	f := NewFactory(userConstructor(t, ports), WithLogger(log))
	ctx := context.Background()
	obj := newUserObject(t, ports, "bob")
	if _, err := f.Create(ctx, obj, CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := obj.SetProp(ctx, "email", "bob@example.com"); err != nil {
		t.Fatalf("set: %v", err)
	}
	e, ok := log.setEntry("email")
	if !ok || argValue(e.args, "pk") != "bob" {
		t.Fatalf("admitted object must log through the registry logger, got %+v", log.entries)
	}

	// an object carrying its own logger keeps it
	own := &captureLogger{}
	other := newUserObject(t, ports, "carol")
	other.SetLogger(own)
	if _, err := f.Create(ctx, other, CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := other.SetProp(ctx, "email", "carol@example.com"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := own.setEntry("email"); !ok {
		t.Fatalf("own logger must survive admission, got %+v", own.entries)
	}
	if e, ok := log.setEntry("email"); ok && argValue(e.args, "pk") == "carol" {
		t.Fatalf("registry logger must not capture an object with its own logger")
	}
}
