package ipcmutex

import "errors"

// Creation errors. None of them leaves a usable or half-written mutex behind.
var (
	ErrInsufficientMemory                     = errors.New("insufficient memory for mutex state")
	ErrInterProcessMutexUnsupportedByPlatform = errors.New("inter-process mutex unsupported by platform")
	ErrPrioritiesUnsupportedByPlatform        = errors.New("mutex priorities unsupported by platform")
	ErrUsedPriorityUnsupportedByPlatform      = errors.New("mutex priority protocol unsupported by platform")
	ErrPermissionDenied                       = errors.New("permission denied")
	ErrInvalidPriorityCeilingValue            = errors.New("invalid priority ceiling value")
	ErrMutexAlreadyInitialized                = errors.New("mutex already initialized")
	ErrNotInitialized                         = errors.New("mutex not initialized")
	ErrProcessPrivate                         = errors.New("mutex is not inter-process capable")
	ErrUnknownError                           = errors.New("unknown mutex error")
)

// Lock, TryLock and Unlock errors.
var (
	ErrPriorityMismatch               = errors.New("caller priority exceeds mutex priority ceiling")
	ErrMaximumRecursiveLocksExceeded  = errors.New("maximum number of recursive locks exceeded")
	ErrDeadlockDetected               = errors.New("deadlock detected")
	// ErrOwnerDied is returned together with the lock: the caller owns it and
	// must repair the guarded data, then call MakeConsistent before Unlock.
	ErrOwnerDied = errors.New("lock acquired but state inconsistent since prior owner died")
	// ErrNotRecoverable is returned once a holder that got ErrOwnerDied
	// unlocked without calling MakeConsistent.
	ErrNotRecoverable          = errors.New("mutex state not recoverable")
	ErrNotOwnedByCallingThread = errors.New("mutex not owned by caller")
	ErrHandleClosed            = errors.New("mutex handle closed")
	ErrMutexBusy               = errors.New("mutex is locked")
)
