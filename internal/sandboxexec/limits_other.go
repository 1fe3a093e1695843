//go:build !linux

package sandboxexec

// applyResourceLimits is a no-op outside Linux: neither Darwin nor Windows
// expose a post-spawn rlimit equivalent through x/sys, so resource limits
// on those platforms are left to the spawn strategy (seatbelt profiles can
// cap some resources directly).
func applyResourceLimits(pid int, limits ResourceLimits) error {
	return nil
}
