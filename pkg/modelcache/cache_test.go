package modelcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/stanwasm/pkg/cachekey"
	"github.com/3leaps/stanwasm/pkg/errkind"
	"github.com/3leaps/stanwasm/pkg/lockfile"
	"github.com/3leaps/stanwasm/pkg/toolchain"
)

// fakeCompiler writes artifacts derived from the source bytes.
type fakeCompiler struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	hook  func()
}

func (f *fakeCompiler) Invoke(ctx context.Context, sourceFile string) (*toolchain.Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	src, err := os.ReadFile(sourceFile)
	if err != nil {
		return nil, err
	}
	js, wasm := toolchain.Targets(sourceFile)
	if err := os.WriteFile(js, append([]byte("js:"), src...), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(wasm, append([]byte("wasm:"), src...), 0o644); err != nil {
		return nil, err
	}
	return &toolchain.Result{
		Artifacts: map[string]string{
			toolchain.ArtifactJS:   js,
			toolchain.ArtifactWasm: wasm,
		},
	}, nil
}

func newWorkspace(t *testing.T, source []byte) (dir, sourceFile string) {
	t.Helper()
	dir = t.TempDir()
	sourceFile = filepath.Join(dir, "main.stan")
	require.NoError(t, os.WriteFile(sourceFile, source, 0o644))
	return dir, sourceFile
}

func seedEntry(t *testing.T, c *Cache, key cachekey.Key, names ...string) string {
	t.Helper()
	dir, err := c.EntryDir(key)
	require.NoError(t, err)
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("seeded"), 0o644))
	}
	return dir
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "hit", OutcomeHit.String())
	assert.Equal(t, "published", OutcomePublished.String())
	assert.Equal(t, "raced", OutcomeRaced.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}

func TestEntryDir(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "models"), &fakeCompiler{})

	key := cachekey.Hash([]byte("model {}"))
	dir, err := c.EntryDir(key)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.RootDir(), key.String()), dir)
	assert.DirExists(t, dir)

	_, err = c.EntryDir("../escape")
	assert.Error(t, err)
}

func TestCompileAndCache_PublishesThenHits(t *testing.T) {
	fc := &fakeCompiler{}
	c := New(t.TempDir(), fc)
	source := []byte("parameters { real y; }")
	key := cachekey.Hash(source)

	ws, src := newWorkspace(t, source)
	outcome, err := c.CompileAndCache(context.Background(), ws, src, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)
	assert.EqualValues(t, 1, fc.calls.Load())

	entry := filepath.Join(c.RootDir(), key.String())
	assert.True(t, HasArtifacts(entry))
	assertUnlocked(t, entry)
	assertNoStaging(t, entry)

	got, err := os.ReadFile(filepath.Join(entry, toolchain.ArtifactWasm))
	require.NoError(t, err)
	assert.Equal(t, append([]byte("wasm:"), source...), got)

	ws2, src2 := newWorkspace(t, source)
	outcome, err = c.CompileAndCache(context.Background(), ws2, src2, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.EqualValues(t, 1, fc.calls.Load(), "cache hit must not invoke the compiler")
}

func TestCompileAndCache_HitWaitsForLock(t *testing.T) {
	fc := &fakeCompiler{}
	c := New(t.TempDir(), fc, WithPollInterval(10*time.Millisecond))
	key := cachekey.Hash([]byte("x"))
	entry := seedEntry(t, c, key, toolchain.ArtifactJS, toolchain.ArtifactWasm)

	lock, held, err := lockfile.TryAcquire(entry)
	require.NoError(t, err)
	require.True(t, held)

	ws, src := newWorkspace(t, []byte("x"))
	done := make(chan Outcome, 1)
	go func() {
		outcome, err := c.CompileAndCache(context.Background(), ws, src, key)
		assert.NoError(t, err)
		done <- outcome
	}()

	select {
	case <-done:
		t.Fatal("hit returned while a publish was in progress")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, lock.Release())
	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeHit, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("hit did not return after lock release")
	}
	assert.Zero(t, fc.calls.Load())
}

func TestCompileAndCache_ConcurrentCallersPublishOnce(t *testing.T) {
	fc := &fakeCompiler{delay: 20 * time.Millisecond}
	c := New(t.TempDir(), fc, WithPollInterval(5*time.Millisecond))
	source := []byte("model { y ~ normal(0, 1); }")
	key := cachekey.Hash(source)

	const n = 8
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		ws, src := newWorkspace(t, source)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outcomes[i], errs[i] = c.CompileAndCache(context.Background(), ws, src, key)
		}(i)
	}
	close(start)
	wg.Wait()

	published := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		switch outcomes[i] {
		case OutcomePublished:
			published++
		case OutcomeHit, OutcomeRaced:
		default:
			t.Fatalf("unexpected outcome %v", outcomes[i])
		}
	}
	assert.Equal(t, 1, published, "exactly one caller publishes")

	entry := filepath.Join(c.RootDir(), key.String())
	assert.True(t, HasArtifacts(entry))
	assertUnlocked(t, entry)
	assertNoStaging(t, entry)
}

func TestCompileAndCache_FailureLeavesNoTrace(t *testing.T) {
	fc := &fakeCompiler{err: &errkind.CompileError{ExitCode: 2, Diagnostics: "parse error"}}
	c := New(t.TempDir(), fc)
	source := []byte("model { broken")
	key := cachekey.Hash(source)

	ws, src := newWorkspace(t, source)
	_, err := c.CompileAndCache(context.Background(), ws, src, key)
	require.Error(t, err)
	assert.Equal(t, errkind.KindCompilationFailed, errkind.KindOf(err))
	assert.Equal(t, "parse error", errkind.Diagnostics(err))

	entry := filepath.Join(c.RootDir(), key.String())
	entries, err := os.ReadDir(entry)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed compile must not touch the entry")

	// The failure is not cached; a later attempt compiles again.
	fc.err = nil
	ws2, src2 := newWorkspace(t, source)
	outcome, err := c.CompileAndCache(context.Background(), ws2, src2, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)
	assert.EqualValues(t, 2, fc.calls.Load())
}

func TestCompileAndCache_TimeoutLeavesLockAbsent(t *testing.T) {
	fc := &fakeCompiler{err: &errkind.TimeoutError{Timeout: time.Second}}
	c := New(t.TempDir(), fc)
	key := cachekey.Hash([]byte("slow"))

	ws, src := newWorkspace(t, []byte("slow"))
	_, err := c.CompileAndCache(context.Background(), ws, src, key)
	require.Error(t, err)
	assert.Equal(t, errkind.KindCompilationTimedOut, errkind.KindOf(err))
	assert.NotEqual(t, errkind.KindCompilationFailed, errkind.KindOf(err))

	entry := filepath.Join(c.RootDir(), key.String())
	assertUnlocked(t, entry)
	assert.False(t, HasArtifacts(entry))
}

func TestCompileAndCache_WaitsWhenAnotherHolderPublishes(t *testing.T) {
	fc := &fakeCompiler{}
	c := New(t.TempDir(), fc, WithPollInterval(5*time.Millisecond))
	key := cachekey.Hash([]byte("y"))
	entry, err := c.EntryDir(key)
	require.NoError(t, err)

	lock, held, err := lockfile.TryAcquire(entry)
	require.NoError(t, err)
	require.True(t, held)
	fc.hook = func() {
		go func() {
			time.Sleep(200 * time.Millisecond)
			_ = lock.Release()
		}()
	}

	ws, src := newWorkspace(t, []byte("y"))
	outcome, err := c.CompileAndCache(context.Background(), ws, src, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaced, outcome)
	assertUnlocked(t, entry)
}

func TestCompileAndCache_ExistingDestinationIsDefect(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := New(t.TempDir(), &fakeCompiler{}, WithLogger(zap.New(core)))
	key := cachekey.Hash([]byte("z"))
	entry := seedEntry(t, c, key, toolchain.ArtifactJS)

	ws, src := newWorkspace(t, []byte("z"))
	_, err := c.CompileAndCache(context.Background(), ws, src, key)
	require.Error(t, err)
	assert.True(t, errkind.IsDefect(err))
	assert.Equal(t, errkind.KindUnknown, errkind.KindOf(err))

	assert.Len(t, logs.FilterLevelExact(zapcore.DPanicLevel).All(), 1)
	assertUnlocked(t, entry)
	assertNoStaging(t, entry)

	// The seeded file is untouched and the wasm linked by this call is rolled back.
	got, err := os.ReadFile(filepath.Join(entry, toolchain.ArtifactJS))
	require.NoError(t, err)
	assert.Equal(t, "seeded", string(got))
	assert.NoFileExists(t, filepath.Join(entry, toolchain.ArtifactWasm))
}

func TestCompileAndCache_WithShellToolchain(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	inv := &toolchain.Invoker{
		Dir:     t.TempDir(),
		Command: `printf js > "$STANWASM_JS" && printf wasm > "$STANWASM_WASM"`,
		Timeout: 10 * time.Second,
	}
	c := New(t.TempDir(), inv)
	source := []byte("model {}")
	key := cachekey.Hash(source)

	ws, src := newWorkspace(t, source)
	outcome, err := c.CompileAndCache(context.Background(), ws, src, key)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)

	path, err := c.ArtifactPath(key, toolchain.ArtifactJS)
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "js", string(got))
}

func TestCompileAndCache_CancelledWait(t *testing.T) {
	c := New(t.TempDir(), &fakeCompiler{}, WithPollInterval(5*time.Millisecond))
	key := cachekey.Hash([]byte("w"))
	entry := seedEntry(t, c, key, toolchain.ArtifactJS, toolchain.ArtifactWasm)
	lock, _, err := lockfile.TryAcquire(entry)
	require.NoError(t, err)
	defer lock.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ws, src := newWorkspace(t, []byte("w"))
	_, err = c.CompileAndCache(ctx, ws, src, key)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func assertUnlocked(t *testing.T, dir string) {
	t.Helper()
	held, err := lockfile.Held(dir)
	require.NoError(t, err)
	assert.False(t, held, "lock marker must be absent")
}

func assertNoStaging(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "staging files must be cleaned up")
}
