package api

import "github.com/srediag/shmipc-core/pkg/ipcmutex"

// RobustLocker is a lock whose holder may die. Lock returns
// ipcmutex.ErrOwnerDied to the next holder, who repairs the guarded state and
// calls MakeConsistent before unlocking. Implemented by *ipcmutex.Mutex.
type RobustLocker interface {
	Lock() error
	TryLock() (ipcmutex.TryLockResult, error)
	Unlock() error
	MakeConsistent()
}
