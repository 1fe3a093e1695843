//go:build linux

package sandboxexec

import (
	"golang.org/x/sys/unix"
)

// applyResourceLimits sets soft and hard CPU-time and memory rlimits on an
// already-started child via prlimit(2). Linux is the one platform
// x/sys/unix exposes Prlimit for.
func applyResourceLimits(pid int, limits ResourceLimits) error {
	if limits.CPUTimeSeconds > 0 {
		rlim := unix.Rlimit{Cur: limits.CPUTimeSeconds, Max: limits.CPUTimeSeconds}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &rlim, nil); err != nil {
			return err
		}
	}
	if limits.MemoryBytes > 0 {
		rlim := unix.Rlimit{Cur: limits.MemoryBytes, Max: limits.MemoryBytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rlim, nil); err != nil {
			return err
		}
	}
	return nil
}
