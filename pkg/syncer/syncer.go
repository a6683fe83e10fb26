// Package syncer provides minimal sync-target implementations: a no-op
// target and an in-memory recorder for tests.
package syncer

import (
	"context"
	"sync"

	"smartobject/pkg/object"
)

// Nop is a sync target whose operations always succeed. Useful as a
// placeholder while wiring schemas that declare sync routes.
type Nop struct{}

// Sync implements object.Syncer.
func (Nop) Sync(context.Context, any, map[string]any) error { return nil }

// Delete implements object.Syncer.
func (Nop) Delete(context.Context, any) error { return nil }

// Call is one recorded sync-target invocation.
type Call struct {
	Op   string // "sync" or "delete"
	PK   any
	Data map[string]any
}

// Recorder captures every call it receives, optionally failing with a
// configured error.
type Recorder struct {
	mu    sync.Mutex
	calls []Call

	// Err, when set, is returned by every operation without recording.
	Err error
}

// Sync implements object.Syncer.
func (r *Recorder) Sync(_ context.Context, pk any, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	r.calls = append(r.calls, Call{Op: "sync", PK: pk, Data: cp})
	return nil
}

// Delete implements object.Syncer.
func (r *Recorder) Delete(_ context.Context, pk any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.calls = append(r.calls, Call{Op: "delete", PK: pk})
	return nil
}

// Calls returns a copy of everything recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

var (
	_ object.Syncer = Nop{}
	_ object.Syncer = (*Recorder)(nil)
)
