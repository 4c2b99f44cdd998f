// Package resultset materializes cursors into registered, grid-shaped
// result sets: it binds columns, flattens nested structure, buffers rows
// under the configured quota and keeps each result addressable by id for
// later edits and reads.
package resultset

import (
	"strconv"
	"sync"

	"github.com/querydesk/querydesk/bindings"
	"github.com/querydesk/querydesk/driver"
	"github.com/querydesk/querydesk/model"
)

// Entry is one registered result set: its id, source container and
// immutable column bindings. Owned by the registry until closed.
type Entry struct {
	ID     string
	Source driver.Container

	Arena       *bindings.Arena
	Identifiers []bindings.RowIdentifier

	// DocumentChildren marks results whose rows are the members of one
	// document's sub-collection.
	DocumentChildren bool
}

// DefaultIdentifier returns the identifier owned by the entry's source
// container, falling back to the first identifier present.
func (e *Entry) DefaultIdentifier() *bindings.RowIdentifier {
	if len(e.Identifiers) == 0 {
		return nil
	}
	if e.Source != nil {
		for i := range e.Identifiers {
			if e.Identifiers[i].Entity == e.Source.Name() {
				return &e.Identifiers[i]
			}
		}
	}
	return &e.Identifiers[0]
}

// LeafColumns returns the entry's flattened leaf columns.
func (e *Entry) LeafColumns() []driver.Column { return e.Arena.LeafColumns() }

// Registry tracks the result sets of one query context. Ids are assigned
// by a monotonically increasing counter and never reused.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextID  int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register stores a new entry and assigns its id.
func (r *Registry) Register(source driver.Container, arena *bindings.Arena, documentChildren bool) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e := &Entry{
		ID:               strconv.FormatInt(r.nextID, 10),
		Source:           source,
		Arena:            arena,
		Identifiers:      arena.Identifiers(),
		DocumentChildren: documentChildren,
	}
	r.entries[e.ID] = e
	return e
}

// Lookup resolves a result id.
func (r *Registry) Lookup(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, model.Validationf("result %q not found", id)
	}
	return e, nil
}

// Close removes a result id, reporting whether it existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	return ok
}

// List returns the registered entries in id order.
func (r *Registry) List() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.entries))
	for id := int64(1); id <= r.nextID; id++ {
		if e, ok := r.entries[strconv.FormatInt(id, 10)]; ok {
			out = append(out, e)
		}
	}
	return out
}

// CloseAll drops every entry; used when the owning context is disposed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
}
