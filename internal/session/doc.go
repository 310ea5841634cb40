// Package session implements the ephemeral, per-caller retrieval store.
//
// Each session exclusively owns one vector index and a parallel list of the
// chunks behind it; the i-th chunk always corresponds to the i-th vector.
// Sessions live only in process memory and are evicted after a TTL of
// inactivity by the Sweeper, or explicitly via DeleteSession. A summary of
// each session is mirrored into a networked TTL store for cross-process
// visibility, but the vectors themselves never leave the process.
//
// Concurrency model: the registry's id-to-session map takes a lightweight
// read-write lock for lookup, insert and remove. Each session serializes its
// own store/retrieve/evict operations through its own mutex. Embedding calls
// block on the network and therefore always happen outside any lock; the
// session critical section covers only the in-memory mutation. When a path
// needs both locks (eviction), it takes the session lock first, then the map
// lock, and no path acquires them in the opposite order.
package session
