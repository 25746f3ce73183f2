// Package registry is the sole authority on "known plugins": it maps a
// plugin id to its metadata, supervisor, and permission set, and builds the
// command-prefix index the router consults.
package registry

import (
	"sync"
	"time"

	"github.com/rosey-chat/rosey-core/internal/permission"
	"github.com/rosey-chat/rosey-core/internal/resource"
	"github.com/rosey-chat/rosey-core/internal/rosyerr"
	"github.com/rosey-chat/rosey-core/internal/supervisor"
)

// Metadata is the static description of a registerable plugin, per
// spec §3 PluginMetadata.
type Metadata struct {
	ID              string
	Executable      string
	Args            []string
	Version         string
	CommandPrefixes []string

	Permissions    permission.Set
	FileAccess     *permission.FileAccessPolicy
	ResourceLimits resource.Limits
	Restart        supervisor.RestartConfig

	ReadinessTimeout time.Duration
	GracefulTimeout  time.Duration
	SampleInterval   time.Duration
}

// Entry is one registered plugin's full state: its metadata, supervisor
// (constructed by Manager.Load before registration; nil only for entries
// registered directly without one), and permission set.
type Entry struct {
	Metadata    Metadata
	Supervisor  *supervisor.PluginProcess
	Permissions *permission.PluginPermissions
}

// Registry holds every known plugin and the command-prefix index derived
// from their declared CommandPrefixes. It mirrors the teacher's
// GlobalPluginRegistry: an RWMutex-guarded map with defensive-copy reads.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	index   map[string]string // command prefix -> plugin id
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		index:   make(map[string]string),
	}
}

// Register adds a plugin entry. It fails with ErrDuplicatePlugin if the id
// is already known, or ErrCommandPrefixConflict if any of its command
// prefixes collide with an already-registered plugin.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.Metadata.ID]; exists {
		return rosyerr.ErrDuplicatePlugin
	}
	for _, prefix := range e.Metadata.CommandPrefixes {
		if owner, exists := r.index[prefix]; exists && owner != e.Metadata.ID {
			return rosyerr.ErrCommandPrefixConflict
		}
	}

	r.entries[e.Metadata.ID] = e
	for _, prefix := range e.Metadata.CommandPrefixes {
		r.index[prefix] = e.Metadata.ID
	}
	return nil
}

// Unregister removes a plugin entry and its command-prefix index entries.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return rosyerr.ErrPluginUnknown
	}
	for _, prefix := range e.Metadata.CommandPrefixes {
		if r.index[prefix] == id {
			delete(r.index, prefix)
		}
	}
	delete(r.entries, id)
	return nil
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, rosyerr.ErrPluginUnknown
	}
	return e, nil
}

// GetAll returns a defensive copy of every registered entry, keyed by
// plugin id, matching the teacher's GetAll() copy-on-read pattern.
func (r *Registry) GetAll() map[string]*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Entry, len(r.entries))
	for id, e := range r.entries {
		out[id] = e
	}
	return out
}

// ForCommand resolves a command prefix to its owning plugin id.
func (r *Registry) ForCommand(prefix string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.index[prefix]
	return id, ok
}
