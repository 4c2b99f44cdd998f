package transcode

import (
	"sync"

	"github.com/querydesk/querydesk/driver"
)

// Serializer converts values of one extension tag between transport and
// driver-native form.
type Serializer interface {
	Encode(col driver.Column, native any) (map[string]any, error)
	Decode(col driver.Column, payload map[string]any) (any, error)
}

// Registry maps extension tag names to serializers. The built-in tags are
// handled statically; the registry is the open extension point.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Serializer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Serializer)}
}

// Register installs a serializer for a tag, replacing any previous one.
func (r *Registry) Register(tag string, s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[tag] = s
}

func (r *Registry) lookup(tag string) Serializer {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m[tag]
}
