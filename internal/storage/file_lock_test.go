//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreLockExcludesOtherHolders(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	daemon := NewFileStore(path)
	cli := NewFileStore(path)

	unlock, acquired, err := daemon.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = cli.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, acquired, "a second holder is refused while the lock is held")

	unlock()
	unlockCLI, acquired, err := cli.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, acquired)
	unlockCLI()
}
