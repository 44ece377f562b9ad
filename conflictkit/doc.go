// Package conflictkit finds and resolves divergent revisions of documents in
// a multi-master document store.
//
// The Detector turns a document and its conflicting revisions into
// field-level Conflicts. Resolvers are pure functions from a detected
// Snapshot to a Plan. The Engine runs detect, resolve, persist and cleanup
// for one document at a time, serialized per document id by a Locker. The
// Scanner walks the whole store for periodic sweeps.
//
// All store I/O happens in the Detector, the Engine and the Scanner; the
// resolvers never touch the store.
package conflictkit
