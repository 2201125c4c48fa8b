// Package cache implements a read-through cache coordinator with two
// stampede-prevention strategies over the shared store.
//
// The pass-through strategy defends against penetration: lookups for keys
// absent from the backing source write a short-lived empty sentinel so
// repeated misses stop reaching the loader.
//
// The logical-expiration strategy defends against breakdown without ever
// blocking a reader: values carry an in-band expiry and never physically
// leave the store. An expired hit is served stale immediately while at most
// one rebuild per key, cluster-wide, runs on a bounded worker pool behind a
// distributed lock.
//
// A third, blocking mutex strategy is available for callers that prefer
// fresh reads over availability; its retry loop is bounded and surfaces
// ErrLockBusy under sustained contention.
package cache
