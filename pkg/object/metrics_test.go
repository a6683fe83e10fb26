package object

import (
	"context"
	"encoding/json"
	"expvar"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFactoryCollector(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	if _, err := f.Create(ctx, newUserObject(t, ports, "bob"), CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.Get(ctx, "bob"); err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _ = f.Get(ctx, "ghost")

	c := NewFactoryCollector(f, "smartobject")
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	expected := `
# HELP smartobject_factory_size Number of objects currently registered.
# TYPE smartobject_factory_size gauge
smartobject_factory_size 1
# HELP smartobject_factory_hits_total Primary-key lookups served from the registry.
# TYPE smartobject_factory_hits_total counter
smartobject_factory_hits_total 1
# HELP smartobject_factory_misses_total Primary-key lookups that missed the registry.
# TYPE smartobject_factory_misses_total counter
smartobject_factory_misses_total 1
# HELP smartobject_factory_evictions_total Objects evicted by the LRU size bound.
# TYPE smartobject_factory_evictions_total counter
smartobject_factory_evictions_total 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected)); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestPublishExpvar(t *testing.T) {
	ports, _, _ := newUserPorts()
	f := NewFactory(userConstructor(t, ports))
	ctx := context.Background()
	if _, err := f.Create(ctx, newUserObject(t, ports, "bob"), CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	name := f.PublishExpvar("")
	if name == "" {
		t.Fatalf("expected generated name")
	}
	v := expvar.Get(name)
	if v == nil {
		t.Fatalf("expected published var %q", name)
	}
	var snap StatsSnapshot
	if err := json.Unmarshal([]byte(v.String()), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Size != 1 {
		t.Fatalf("expected size 1, got %+v", snap)
	}
	if snap.RecordedAt.IsZero() {
		t.Fatalf("expected recorded_at to be stamped")
	}
	// names must be unique across publishes
	other := NewFactory(userConstructor(t, ports))
	if other.PublishExpvar("") == name {
		t.Fatalf("expected distinct generated names")
	}
}
