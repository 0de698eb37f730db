// Package roster maintains the ordered catalog of upstream agent
// sockets.
//
// Entries come from two sources: operator configuration and the
// forwarded-agent watcher. The dispatch order is deliberate - watched
// entries first, most recent first, because a freshly forwarded agent
// represents the human's current session intent; configured entries
// follow in the exact order the operator wrote them.
//
// Two rules keep the catalog coherent: a path can appear only once, and
// when a path is both configured and discovered, configuration wins.
// Reloading configuration replaces only the configured subset, so live
// forwarded sessions survive an operator reload.
//
// The roster is the single shared mutable structure in the daemon. One
// mutex guards it, no operation performs I/O under the lock, and
// callers work on snapshots.
package roster
