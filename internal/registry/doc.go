// Package registry holds the authoritative in-memory set of tracked runs.
// Writers are serialized behind a single mutex and every mutation is a
// compare-and-set on the run's status; readers are served from an immutable
// snapshot and never contend with writers.
package registry
