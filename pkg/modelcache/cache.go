// Package modelcache implements the shared, content-addressed store of
// compiled models.
//
// Each entry lives at <root>/<key> and holds main.wasm and main.js once a
// compile has been published. Compiles run in the caller's job workspace;
// only the publish step is serialized, through the lock marker in the entry.
// Entries are append-only: nothing here overwrites or deletes an artifact.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/pkg/cachekey"
	"github.com/3leaps/stanwasm/pkg/errkind"
	"github.com/3leaps/stanwasm/pkg/lockfile"
	"github.com/3leaps/stanwasm/pkg/toolchain"
)

// Outcome reports how CompileAndCache satisfied a request.
type Outcome int

const (
	// OutcomeHit means both artifacts already existed; nothing was compiled.
	OutcomeHit Outcome = iota + 1

	// OutcomePublished means this call compiled and published the artifacts.
	OutcomePublished

	// OutcomeRaced means this call compiled, but a concurrent caller
	// published first. The workspace output was discarded.
	OutcomeRaced
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomePublished:
		return "published"
	case OutcomeRaced:
		return "raced"
	default:
		return "unknown"
	}
}

// Cache coordinates compiles against a cache root.
type Cache struct {
	root         string
	compiler     toolchain.Compiler
	pollInterval time.Duration
	logger       *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithPollInterval sets the lock polling granularity.
func WithPollInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a Cache rooted at root that compiles with compiler.
func New(root string, compiler toolchain.Compiler, opts ...Option) *Cache {
	c := &Cache{
		root:         root,
		compiler:     compiler,
		pollInterval: lockfile.DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) RootDir() string {
	return c.root
}

// EntryDir returns the directory for key, creating it if needed.
func (c *Cache) EntryDir(key cachekey.Key) (string, error) {
	if !cachekey.Valid(string(key)) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	if c.root == "" {
		return "", fmt.Errorf("cache root dir is empty")
	}
	dir := filepath.Join(c.root, string(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache entry: %w", err)
	}
	return dir, nil
}

// HasArtifacts reports whether dir holds the complete artifact pair.
func HasArtifacts(dir string) bool {
	for _, name := range toolchain.Artifacts {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// CompileAndCache makes the artifacts for key available in the cache.
//
// A complete entry is a hit and the compiler is not run. Otherwise the source
// is compiled inside workspaceDir and, holding the entry lock, published
// unless another caller got there first. A failed compile takes no lock and
// leaves the entry untouched.
func (c *Cache) CompileAndCache(ctx context.Context, workspaceDir, sourceFile string, key cachekey.Key) (Outcome, error) {
	log := c.logger.With(zap.String("model_id", key.String()))

	entry, err := c.EntryDir(key)
	if err != nil {
		return 0, err
	}

	if HasArtifacts(entry) {
		if err := lockfile.WaitUntilFree(ctx, entry, c.pollInterval); err != nil {
			return 0, fmt.Errorf("wait for cache entry: %w", err)
		}
		log.Info("Model cache hit")
		return OutcomeHit, nil
	}

	res, err := c.compiler.Invoke(ctx, sourceFile)
	if err != nil {
		return 0, err
	}

	var outcome Outcome
	err = lockfile.With(entry, func(exclusive bool) error {
		if !exclusive {
			log.Debug("Publish in progress elsewhere; waiting")
			if err := lockfile.WaitUntilFree(ctx, entry, c.pollInterval); err != nil {
				return fmt.Errorf("wait for cache entry: %w", err)
			}
			outcome = OutcomeRaced
			return nil
		}
		if HasArtifacts(entry) {
			outcome = OutcomeRaced
			return nil
		}
		if err := c.publish(entry, workspaceDir, res); err != nil {
			return err
		}
		outcome = OutcomePublished
		return nil
	})
	if err != nil {
		return 0, err
	}

	if outcome == OutcomePublished {
		log.Info("Published compiled model",
			zap.String("entry", entry),
			zap.Duration("compile_duration", res.Duration))
	} else {
		log.Info("Model published by concurrent request; discarding local output")
	}
	return outcome, nil
}

// publish copies the workspace artifacts into entry. Each artifact is staged
// under a temporary name, synced, then linked into place so readers never see
// a partial file. On failure, artifacts linked by this call are removed.
func (c *Cache) publish(entry, workspaceDir string, res *toolchain.Result) (err error) {
	var linked []string
	defer func() {
		if err == nil {
			return
		}
		for _, path := range linked {
			_ = os.Remove(path)
		}
	}()

	for _, name := range toolchain.Artifacts {
		src := filepath.Join(workspaceDir, name)
		if res != nil && res.Artifacts[name] != "" {
			src = res.Artifacts[name]
		}
		dst := filepath.Join(entry, name)
		if err := c.publishOne(src, dst); err != nil {
			return err
		}
		linked = append(linked, dst)
	}
	return nil
}

func (c *Cache) publishOne(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errkind.Wrap(errkind.KindArtifactNotFound, "publish", filepath.Base(src), err)
		}
		return fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("stage artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod artifact: %w", err)
	}

	if err := os.Link(tmpPath, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			c.logger.DPanic("Artifact appeared inside locked publish", zap.String("path", dst))
			return &errkind.Defect{Op: "publish " + filepath.Base(dst), Err: err}
		}
		return fmt.Errorf("link artifact: %w", err)
	}
	return nil
}
