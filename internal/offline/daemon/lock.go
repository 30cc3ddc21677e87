package daemon

import "errors"

// LockFile is the lock file name inside the data directory.
const LockFile = "daemon.lock"

// ErrLocked is returned by AcquireLock when another process holds the lock.
var ErrLocked = errors.New("another daemon holds the lock")
