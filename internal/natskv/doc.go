// Package natskv backs the quota ledger and the session metadata mirror
// with NATS JetStream key-value buckets.
//
// Two buckets are used: a quota bucket whose MaxAge equals the quota window,
// and a session bucket whose MaxAge equals the session TTL. JetStream ages
// keys from their last write, so every session mirror write refreshes that
// session's TTL, and abandoned keys are reclaimed by the server without any
// sweeping on our side.
//
// Quota counters are incremented with a create-or-CAS loop on the KV
// revision, so concurrent increments from multiple processes never lose
// counts. The rolling window expiry is stored inside the value and is set by
// the first increment of a window; later increments preserve it.
package natskv
