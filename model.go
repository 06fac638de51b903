package resclient

import (
	"reflect"
	"sync"
)

// Resource is the minimal contract of every cached resource object.
type Resource interface {
	ResourceID() string
}

// modelInternal is the contract the cache requires from model resources.
// Custom model types registered through RegisterModelType must embed *Model
// to satisfy it.
type modelInternal interface {
	Resource
	initModel(props map[string]any)
	updateModel(props map[string]any) map[string]any
	forEachRef(f func(Resource))
}

// collectionInternal is the contract the cache requires from collection
// resources.
type collectionInternal interface {
	Resource
	initCollection(values []any)
	addValue(v any, idx int)
	removeValue(idx int) any
	rawValues() []any
	forEachRef(f func(Resource))
}

// Model is a map of property values kept in sync by the client. Values are
// plain JSON data (primitives, arrays, objects) or other cached resources. The object is identity stable:
// references held by the application stay valid until the model is evicted
// from the cache.
type Model struct {
	rid   string
	mu    sync.RWMutex
	props map[string]any
}

// NewModel is the default model factory.
func NewModel(rid string) Resource {
	return &Model{rid: rid}
}

func (m *Model) ResourceID() string { return m.rid }

// Get returns the value of a property.
func (m *Model) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.props[key]
	return v, ok
}

// Props returns a shallow copy of the current property map.
func (m *Model) Props() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.props))
	for k, v := range m.props {
		out[k] = v
	}
	return out
}

func (m *Model) initModel(props map[string]any) {
	m.mu.Lock()
	m.props = props
	m.mu.Unlock()
}

// updateModel applies prepared change values and returns the previous values
// of the properties that actually changed. A deleteValue removes the
// property; its old value is reported like any other change. Resource values
// compare by identity.
func (m *Model) updateModel(props map[string]any) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.props == nil {
		m.props = make(map[string]any)
	}

	var old map[string]any
	for k, v := range props {
		cur, exists := m.props[k]
		if _, del := v.(deleteValue); del {
			if !exists {
				continue
			}
			if old == nil {
				old = make(map[string]any)
			}
			old[k] = cur
			delete(m.props, k)
			continue
		}
		if exists && valueEqual(cur, v) {
			continue
		}
		if old == nil {
			old = make(map[string]any)
		}
		old[k] = cur
		m.props[k] = v
	}
	return old
}

func (m *Model) forEachRef(f func(Resource)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.props {
		if r, ok := v.(Resource); ok {
			f(r)
		}
	}
}

// valueEqual compares two prepared values. Resources compare by identity;
// everything else, including plain arrays and nested objects carried as
// data, compares by deep equality.
func valueEqual(a, b any) bool {
	if ra, ok := a.(Resource); ok {
		rb, ok := b.(Resource)
		return ok && ra == rb
	}
	if _, ok := b.(Resource); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}
