package store

import "errors"

// ErrNotFound is returned when a worker or pool row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrLocked is returned by TryLockWorker when another pass already holds
// the row's write lock; the caller should skip the worker this pass.
var ErrLocked = errors.New("store: row locked by another pass")

// ErrAlreadyExists is returned by Create methods on a primary key conflict.
var ErrAlreadyExists = errors.New("store: already exists")
