package modelcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/3leaps/stanwasm/pkg/cachekey"
	"github.com/3leaps/stanwasm/pkg/errkind"
	"github.com/3leaps/stanwasm/pkg/lockfile"
	"github.com/3leaps/stanwasm/pkg/toolchain"
)

// Entry describes a cache entry on disk.
type Entry struct {
	Key      cachekey.Key     `json:"model_id" yaml:"model_id"`
	Dir      string           `json:"dir" yaml:"dir"`
	Complete bool             `json:"complete" yaml:"complete"`
	Locked   bool             `json:"locked" yaml:"locked"`
	Sizes    map[string]int64 `json:"sizes,omitempty" yaml:"sizes,omitempty"`
	ModTime  time.Time        `json:"mod_time" yaml:"mod_time"`
}

// Lookup describes the entry for key. An absent entry is ArtifactNotFound.
func (c *Cache) Lookup(key cachekey.Key) (Entry, error) {
	if !cachekey.Valid(string(key)) {
		return Entry{}, errkind.New(errkind.KindArtifactNotFound, "lookup", string(key))
	}
	dir := filepath.Join(c.root, string(key))
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Entry{}, errkind.New(errkind.KindArtifactNotFound, "lookup", string(key))
	}
	return describe(key, dir, info.ModTime())
}

// List returns every entry under the root, most recently modified first.
func (c *Cache) List() ([]Entry, error) {
	dirents, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache root: %w", err)
	}

	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() || !cachekey.Valid(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		e, err := describe(cachekey.Key(d.Name()), filepath.Join(c.root, d.Name()), info.ModTime())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// ArtifactPath resolves a servable artifact. Unknown names and absent files
// are ArtifactNotFound.
func (c *Cache) ArtifactPath(key cachekey.Key, name string) (string, error) {
	if !toolchain.IsArtifact(name) || !cachekey.Valid(string(key)) {
		return "", errkind.New(errkind.KindArtifactNotFound, "fetch", name)
	}
	path := filepath.Join(c.root, string(key), name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", errkind.New(errkind.KindArtifactNotFound, "fetch", name)
	}
	return path, nil
}

func describe(key cachekey.Key, dir string, modTime time.Time) (Entry, error) {
	locked, err := lockfile.Held(dir)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		Key:     key,
		Dir:     dir,
		Locked:  locked,
		Sizes:   map[string]int64{},
		ModTime: modTime.UTC(),
	}
	for _, name := range toolchain.Artifacts {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && info.Mode().IsRegular() {
			e.Sizes[name] = info.Size()
		}
	}
	e.Complete = len(e.Sizes) == len(toolchain.Artifacts)
	return e, nil
}
