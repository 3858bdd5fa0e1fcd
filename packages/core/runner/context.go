package runner

import (
	"reflect"
	"sync"
)

// Values is the default context value: a string-keyed store that hooks
// running concurrently can write to.
type Values struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewValues returns an empty store.
func NewValues() *Values {
	return &Values{m: make(map[string]any)}
}

// Get returns the value stored under key, or nil.
func (v *Values) Get(key string) any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.m[key]
}

// Lookup is Get that also reports whether key is present.
func (v *Values) Lookup(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[key]
	return val, ok
}

func (v *Values) Set(key string, val any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = val
}

func (v *Values) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.m, key)
}

// Map returns a copy of the stored values.
func (v *Values) Map() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

func (v *Values) clone() *Values {
	return &Values{m: v.Map()}
}

// ContextRef holds the value hooks and tests share through t.Context.
//
// The root is shared by the before and after hooks and starts as an empty
// *Values. Copy creates a branch for one test: the branch reads the
// parent's value lazily, the first time it is used, and from then on owns
// its own copy. Values, maps and slices are shallow-cloned at that point,
// so writes in one test never leak into a sibling. Plain maps and slices
// are not synchronized; hooks that run concurrently should use *Values.
type ContextRef struct {
	mu     sync.Mutex
	parent *ContextRef
	value  any
	bound  bool
}

// NewContextRef returns a root holding an empty *Values.
func NewContextRef() *ContextRef {
	return &ContextRef{value: NewValues(), bound: true}
}

// Get returns the current value, binding a branch on first use.
func (c *ContextRef) Get() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bound {
		c.value = shallowClone(c.parent.Get())
		c.bound = true
	}
	return c.value
}

// Set replaces the value for this ref and everything sharing it.
func (c *ContextRef) Set(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.bound = true
}

// Copy returns a branch of c.
func (c *ContextRef) Copy() *ContextRef {
	return &ContextRef{parent: c}
}

func shallowClone(v any) any {
	if v == nil {
		return nil
	}
	if values, ok := v.(*Values); ok {
		if values == nil {
			return v
		}
		return values.clone()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface()
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	default:
		return v
	}
}
