// Package registry keeps the durable record of which tasks are being
// watched. The in-memory map is authoritative; every mutation re-serializes
// the full set to the backend so a restarted daemon can pick up where it
// left off.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/SolaceLabs/taskwatch/internal/logging"
)

// Descriptor identifies one watched task's subscription.
type Descriptor struct {
	TaskID       string            `json:"taskId"`
	Endpoint     string            `json:"endpoint"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

// Backend persists the serialized descriptor set. The registry treats
// storage as best effort: a failing backend degrades to in-memory operation.
type Backend interface {
	LoadSubscriptions() ([]byte, error)
	SaveSubscriptions(data []byte) error
}

// Registry is the durable taskId → Descriptor map shared by the watcher,
// the sweeper, and the control API.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Descriptor
	backend Backend
	log     *logging.Logger
}

// New builds a registry, restoring any descriptor set the backend holds.
// Load failures and corrupt payloads leave the registry empty but usable.
func New(backend Backend, log *logging.Logger) *Registry {
	r := &Registry{
		entries: make(map[string]Descriptor),
		backend: backend,
		log:     log,
	}

	data, err := backend.LoadSubscriptions()
	if err != nil {
		log.Warn("failed to load subscriptions, starting empty", "error", err)
		return r
	}
	if data == nil {
		return r
	}
	var list []Descriptor
	if err := json.Unmarshal(data, &list); err != nil {
		log.Warn("corrupt subscription set, starting empty", "error", err)
		return r
	}
	for _, d := range list {
		if d.TaskID == "" {
			continue
		}
		r.entries[d.TaskID] = d
	}
	return r
}

// Register inserts or replaces the entry for d.TaskID and persists the full
// set. Registering an already-known task replaces its descriptor, it never
// duplicates. Never fails: storage errors are logged and swallowed.
func (r *Registry) Register(d Descriptor) {
	if d.TaskID == "" {
		return
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.TaskID] = d
	r.persistLocked()
}

// Unregister removes the entry if present; no-op if absent.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[taskID]; !ok {
		return
	}
	delete(r.entries, taskID)
	r.persistLocked()
}

// Find returns the descriptor for taskID.
func (r *Registry) Find(taskID string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[taskID]
	return d, ok
}

// List returns a snapshot of all descriptors, oldest registration first.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) snapshotLocked() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, d := range r.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

func (r *Registry) persistLocked() {
	data, err := json.Marshal(r.snapshotLocked())
	if err != nil {
		r.log.Warn("failed to serialize subscriptions", "error", err)
		return
	}
	if err := r.backend.SaveSubscriptions(data); err != nil {
		r.log.Warn("failed to persist subscriptions, continuing in-memory", "error", err)
	}
}
