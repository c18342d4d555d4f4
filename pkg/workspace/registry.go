package workspace

import (
	"sync"
	"time"

	"github.com/scratchcollab/colabd/pkg/logger"
)

// Registry owns every live Workspace, creating them lazily on first
// reference and reaping ones left empty for a retention window. The
// sweep is a per-workspace timer rather than a periodic full-table scan,
// since a workspace's emptiness is an event the registry already
// observes synchronously at Leave time.
type Registry struct {
	retention time.Duration

	mu         sync.Mutex
	workspaces map[string]*Workspace
	timers     map[string]*time.Timer
}

// NewRegistry constructs a Registry. retention is how long an empty
// workspace is kept before its state is discarded.
func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		retention:  retention,
		workspaces: make(map[string]*Workspace),
		timers:     make(map[string]*time.Timer),
	}
}

// GetOrCreate returns the workspace for id, creating it on first
// reference (§4.C "lazy creation"). If a GC timer was armed for this id
// it is cancelled, since the workspace is about to gain a member.
func (r *Registry) GetOrCreate(id string) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, armed := r.timers[id]; armed {
		t.Stop()
		delete(r.timers, id)
	}

	w, ok := r.workspaces[id]
	if !ok {
		w = NewWorkspace(id)
		r.workspaces[id] = w
		logger.Info("workspace %s created", id)
	}
	return w
}

// Get looks up a workspace without creating one.
func (r *Registry) Get(id string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[id]
	return w, ok
}

// RemoveIfEmpty arms a single-shot retention timer for id if the
// workspace is currently empty and no timer is already armed for it
// (§4.C). The workspace is only actually discarded when the timer fires
// and it is still empty at that time — a member joining in the meantime
// cancels it via GetOrCreate.
func (r *Registry) RemoveIfEmpty(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workspaces[id]
	if !ok || w.MemberCount() > 0 {
		return
	}
	if _, armed := r.timers[id]; armed {
		return
	}

	r.timers[id] = time.AfterFunc(r.retention, func() { r.fire(id) })
}

// fire is the retention timer callback: it discards the workspace if it
// is still empty, or no-ops if membership arrived before the deadline.
func (r *Registry) fire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.timers, id)
	w, ok := r.workspaces[id]
	if !ok {
		return
	}
	if w.MemberCount() > 0 {
		return
	}
	delete(r.workspaces, id)
	logger.Info("workspace %s reaped after empty retention", id)
}

// Count returns the number of currently tracked workspaces, live or
// pending reap.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

// All returns every currently tracked workspace, for graceful shutdown.
func (r *Registry) All() []*Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, w := range r.workspaces {
		out = append(out, w)
	}
	return out
}
