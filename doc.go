// Package dogpile implements the "dogpile" lock: a synchronization
// primitive that prevents the thundering-herd problem when many
// concurrent goroutines try to regenerate an expensive cached value
// whose freshness has expired.
//
// The core guarantee is that at most one goroutine regenerates the
// value at a time. Other goroutines either block and wait, if no
// stale value exists yet, or immediately return the stale value if
// one exists and regeneration is already underway elsewhere.
//
// ## Overview
//
// Three pieces build on each other:
//
//   - Lock is the primitive: bound to a Mutex, a Creator and a Probe
//     callback, and an expiry. Entering it evaluates whether the
//     currently probed value is fresh; if not, it tries to become the
//     single regenerating goroutine, otherwise it serves the stale
//     value.
//   - Dogpile is a stateful facade around Lock for callers who don't
//     want to track a creation timestamp themselves; it keeps one in
//     the Dogpile struct and updates it whenever its own Creator runs.
//   - SyncReaderDogpile adds a ReadWriteMutex so a creator can fence
//     off stale readers during a critical hand-over (e.g. atomically
//     swapping an on-disk resource).
//
// NameRegistry is a companion type: a concurrent identifier->object
// map that holds only weak references, used to share one Dogpile (or
// other object) per logical cache key without the caller having to
// manage its lifetime explicitly.
//
// This package is not a cache. It stores no values of its own; the
// cache/value store is supplied externally via the Probe and Creator
// callbacks.
package dogpile
