//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package storage

import "context"

// TryAdvisoryLock always succeeds where flock is unavailable.
func (f *FileStore) TryAdvisoryLock(_ context.Context, _ int64) (func(), bool, error) {
	return func() {}, true, nil
}
