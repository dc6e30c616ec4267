package lockfile

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_Exclusive(t *testing.T) {
	dir := t.TempDir()

	lock, held, err := TryAcquire(dir)
	require.NoError(t, err)
	require.True(t, held)
	require.NotNil(t, lock)

	body, err := os.ReadFile(MarkerPath(dir))
	require.NoError(t, err)
	assert.Equal(t, "locked", string(body))

	second, held, err := TryAcquire(dir)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Nil(t, second)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "release must be idempotent")

	held, err = Held(dir)
	require.NoError(t, err)
	assert.False(t, held)

	again, ok, err := TryAcquire(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, again.Release())
}

func TestTryAcquire_MissingDirIsAnError(t *testing.T) {
	_, held, err := TryAcquire(t.TempDir() + "/does/not/exist")
	assert.Error(t, err)
	assert.False(t, held)
}

func TestTryAcquire_ConcurrentHasOneWinner(t *testing.T) {
	dir := t.TempDir()
	const workers = 32

	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	locks := make(chan *Lock, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			lock, held, err := TryAcquire(dir)
			assert.NoError(t, err)
			if held {
				winners.Add(1)
				locks <- lock
			}
		}()
	}
	close(start)
	wg.Wait()
	close(locks)

	assert.Equal(t, int32(1), winners.Load())
	for l := range locks {
		require.NoError(t, l.Release())
	}
}

func TestWith_ReleasesOnEveryPath(t *testing.T) {
	t.Run("normal return", func(t *testing.T) {
		dir := t.TempDir()
		var sawHeld bool
		err := With(dir, func(exclusive bool) error {
			assert.True(t, exclusive)
			sawHeld, _ = Held(dir)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, sawHeld)
		assertFree(t, dir)
	})

	t.Run("returned error", func(t *testing.T) {
		dir := t.TempDir()
		boom := errors.New("boom")
		err := With(dir, func(bool) error { return boom })
		assert.ErrorIs(t, err, boom)
		assertFree(t, dir)
	})

	t.Run("panic", func(t *testing.T) {
		dir := t.TempDir()
		assert.Panics(t, func() {
			_ = With(dir, func(bool) error { panic("publish exploded") })
		})
		assertFree(t, dir)
	})

	t.Run("contended does not remove foreign marker", func(t *testing.T) {
		dir := t.TempDir()
		holder, held, err := TryAcquire(dir)
		require.NoError(t, err)
		require.True(t, held)

		err = With(dir, func(exclusive bool) error {
			assert.False(t, exclusive)
			return nil
		})
		require.NoError(t, err)

		stillHeld, err := Held(dir)
		require.NoError(t, err)
		assert.True(t, stillHeld)
		require.NoError(t, holder.Release())
	})
}

func TestWaitUntilFree(t *testing.T) {
	t.Run("returns immediately when free", func(t *testing.T) {
		err := WaitUntilFree(context.Background(), t.TempDir(), time.Hour)
		require.NoError(t, err)
	})

	t.Run("returns after holder releases", func(t *testing.T) {
		dir := t.TempDir()
		lock, held, err := TryAcquire(dir)
		require.NoError(t, err)
		require.True(t, held)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = lock.Release()
		}()

		start := time.Now()
		require.NoError(t, WaitUntilFree(context.Background(), dir, 10*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
		assertFree(t, dir)
	})

	t.Run("never acquires", func(t *testing.T) {
		dir := t.TempDir()
		lock, _, err := TryAcquire(dir)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err = WaitUntilFree(ctx, dir, 5*time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// The waiter left the holder's marker untouched.
		held, err := Held(dir)
		require.NoError(t, err)
		assert.True(t, held)
		require.NoError(t, lock.Release())
	})
}

func assertFree(t *testing.T, dir string) {
	t.Helper()
	held, err := Held(dir)
	require.NoError(t, err)
	assert.False(t, held, "lock marker should be absent")
}
