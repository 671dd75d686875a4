package dogpile

import (
	"runtime"
	"sync"
	"weak"
)

// NameRegistry generates and returns an object, keeping it as a
// singleton for a given identifier for as long as it is strongly
// referenced somewhere. Once every caller has dropped its reference
// and the value is garbage collected, the identifier is free to
// produce a new instance on the next Get.
//
// A NameRegistry's internal mutex is NOT reentrant: the creator
// function must not call Get on the same NameRegistry for the
// identifier presently under construction, or it will deadlock.
type NameRegistry[K comparable, V any] struct {
	mu      sync.Mutex
	values  map[K]weak.Pointer[V]
	creator func(K, ...any) (*V, error)
}

// NewNameRegistry returns a NameRegistry whose entries are produced
// by creator on first access to each identifier.
func NewNameRegistry[K comparable, V any](creator func(K, ...any) (*V, error)) *NameRegistry[K, V] {
	return &NameRegistry[K, V]{
		values:  make(map[K]weak.Pointer[V]),
		creator: creator,
	}
}

// Get returns the object currently associated with identifier,
// creating one via the registry's creator if none exists (or if the
// previous one has already been garbage collected). args are passed
// through to the creator unchanged.
//
// Callers that need the returned object to keep living in the
// registry must retain the returned pointer themselves; the registry
// holds only a weak reference.
func (r *NameRegistry[K, V]) Get(identifier K, args ...any) (*V, error) {
	r.mu.Lock()
	wp, ok := r.values[identifier]
	r.mu.Unlock()
	if ok {
		if v := wp.Value(); v != nil {
			return v, nil
		}
	}
	return r.syncGet(identifier, args...)
}

// syncGet is the slow path: re-check under the mutex, and on a miss,
// invoke the creator and install a weak reference to its result. No
// partial entry is ever visible: the map is only written on success.
func (r *NameRegistry[K, V]) syncGet(identifier K, args ...any) (*V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wp, ok := r.values[identifier]; ok {
		if v := wp.Value(); v != nil {
			return v, nil
		}
	}

	value, err := r.creator(identifier, args...)
	if err != nil {
		return nil, err
	}

	r.values[identifier] = weak.Make(value)
	runtime.AddCleanup(value, r.remove, identifier)
	return value, nil
}

// remove drops identifier's entry once its value has been collected,
// but only if the entry still points at the collected generation
// (a newer value may already have replaced it).
func (r *NameRegistry[K, V]) remove(identifier K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.values[identifier]; ok && wp.Value() == nil {
		delete(r.values, identifier)
	}
}
