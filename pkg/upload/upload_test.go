package upload

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nix-build-remote-hook/pkg/locks"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestWithLockRunsPushUnderTheLock(t *testing.T) {
	stateDir := t.TempDir()
	called := false

	err := WithLock(context.Background(), testLogger(), stateDir, "host1", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWithLockPropagatesCallerCancellation(t *testing.T) {
	stateDir := t.TempDir()

	holder, err := locks.Open(locks.UploadLockPath(stateDir, "host1"))
	require.NoError(t, err)
	ok, err := holder.TryExclusive()
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	called := false
	err = withLock(ctx, testLogger(), stateDir, "host1", time.Hour, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called, "caller cancellation must not fall through to starvation recovery")
}

func TestWithLockUnlinksAndProceedsOnStarvation(t *testing.T) {
	stateDir := t.TempDir()

	holder, err := locks.Open(locks.UploadLockPath(stateDir, "host1"))
	require.NoError(t, err)
	ok, err := holder.TryExclusive()
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Release()

	called := false
	err = withLock(context.Background(), testLogger(), stateDir, "host1", 50*time.Millisecond, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called, "starvation recovery must still run the push, just unserialized")
}
