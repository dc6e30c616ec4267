package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/stanwasm/pkg/errkind"
)

// SourceName is the fixed name of the uploaded source inside a workspace.
const SourceName = "main.stan"

// MaxSourceSize is the upload ceiling (10 MiB).
const MaxSourceSize = 10 * 1024 * 1024

// TokenLen is the length of a workspace token.
const TokenLen = 32

// Store creates and tears down job workspaces under a root directory.
//
// Directory layout:
//
//	<root>/<token>/main.stan
//	<root>/<token>/main.js    (after a compile)
//	<root>/<token>/main.wasm  (after a compile)
type Store struct {
	root string
}

// NewStore returns a Store rooted at root. The root is created lazily.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

// Dir returns the directory for token without validating it.
func (s *Store) Dir(token string) string {
	return filepath.Join(s.root, token)
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("workspace root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// NewToken returns a fresh, unguessable workspace token.
func NewToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ValidToken reports whether token is TokenLen hex characters.
func ValidToken(token string) bool {
	if len(token) != TokenLen {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// Create allocates a workspace with a fresh token and an empty directory.
func (s *Store) Create() (*Workspace, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	token := NewToken()
	dir := s.Dir(token)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &Workspace{Token: token, Dir: dir}, nil
}

// Open resolves an existing workspace.
func (s *Store) Open(token string) (*Workspace, error) {
	if !ValidToken(token) {
		return nil, errkind.New(errkind.KindInvalidWorkspace, "open", token)
	}
	dir := s.Dir(token)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errkind.New(errkind.KindWorkspaceNotFound, "open", token)
	}
	return &Workspace{Token: token, Dir: dir}, nil
}

// Upload writes data into the workspace's single source slot. Oversized data
// is rejected before any write; a populated slot is rejected atomically.
func (s *Store) Upload(token string, data []byte) error {
	ws, err := s.Open(token)
	if err != nil {
		return err
	}
	return ws.WriteSource(data)
}

// Destroy recursively removes the workspace directory.
func (s *Store) Destroy(token string) error {
	if !ValidToken(token) {
		return errkind.New(errkind.KindInvalidWorkspace, "destroy", token)
	}
	if err := os.RemoveAll(s.Dir(token)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", token, err)
	}
	return nil
}

// Info summarizes a workspace on disk.
type Info struct {
	Token     string    `json:"job_id"`
	Dir       string    `json:"dir"`
	HasSource bool      `json:"has_source"`
	ModTime   time.Time `json:"mod_time"`
}

// List returns the workspaces under the root, oldest first. Entries whose
// names are not tokens are ignored.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	out := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !ValidToken(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ws := &Workspace{Token: entry.Name(), Dir: s.Dir(entry.Name())}
		out = append(out, Info{
			Token:     ws.Token,
			Dir:       ws.Dir,
			HasSource: ws.HasSource(),
			ModTime:   info.ModTime().UTC(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Deleted     int      `json:"deleted"`
	WouldDelete int      `json:"would_delete"`
	DryRun      bool     `json:"dry_run"`
	MaxAge      string   `json:"max_age"`
	Tokens      []string `json:"job_ids,omitempty"`
}

// Prune removes workspaces last modified more than maxAge before now. It only
// ever touches the workspace root, never the compilation cache.
func (s *Store) Prune(now time.Time, maxAge time.Duration, dryRun bool) (*PruneResult, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("max age must be > 0")
	}
	list, err := s.List()
	if err != nil {
		return nil, err
	}

	res := &PruneResult{DryRun: dryRun, MaxAge: maxAge.String()}
	for _, info := range list {
		if now.Sub(info.ModTime) <= maxAge {
			continue
		}
		if !dryRun {
			if err := s.Destroy(info.Token); err != nil {
				return res, err
			}
			res.Deleted++
		} else {
			res.WouldDelete++
		}
		res.Tokens = append(res.Tokens, info.Token)
	}
	return res, nil
}
