//go:build linux

package ipcmutex

import "golang.org/x/sys/unix"

const (
	interProcessSupported = true
	prioritiesSupported   = true
)

func rtPriorityLimit() (uint64, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_RTPRIO, &lim); err != nil {
		return 0, err
	}
	return lim.Cur, nil
}
