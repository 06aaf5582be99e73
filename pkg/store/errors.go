package store

import "errors"

// ErrConcurrentModification is returned by Save when the caller's version
// token does not match the currently persisted version. The reconciliation
// loop treats this as a transient conflict: skip the item and retry on the
// next wakeup rather than treating it as a fault.
var ErrConcurrentModification = errors.New("store: concurrent modification")

// ErrNotFound is returned by Get when no row exists for the given id; Delete
// of a missing id is not an error.
var ErrNotFound = errors.New("store: not found")
