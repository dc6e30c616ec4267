// Package service exposes the boundary operations of the compile server:
// staging a source in a job workspace, compiling it through the shared
// cache, and resolving the resulting artifacts.
//
// Transports call these operations and map failures with errkind.KindOf.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stanwasm/pkg/cachekey"
	"github.com/3leaps/stanwasm/pkg/errkind"
	"github.com/3leaps/stanwasm/pkg/modelcache"
	"github.com/3leaps/stanwasm/pkg/toolchain"
	"github.com/3leaps/stanwasm/pkg/workspace"
)

// Service wires the workspace store, teardown janitor, and model cache.
type Service struct {
	workspaces *workspace.Store
	janitor    *workspace.Janitor
	cache      *modelcache.Cache
	logger     *zap.Logger

	// base outlives individual requests; Close cancels it.
	base context.Context
	stop context.CancelFunc
}

// New returns a Service. Close must be called to drain pending teardowns.
func New(workspaces *workspace.Store, cache *modelcache.Cache, logger *zap.Logger, opts ...workspace.JanitorOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Service{
		workspaces: workspaces,
		janitor:    workspace.NewJanitor(workspaces, logger.Named("janitor"), opts...),
		cache:      cache,
		logger:     logger,
		base:       base,
		stop:       stop,
	}
}

func (s *Service) Workspaces() *workspace.Store {
	return s.workspaces
}

func (s *Service) Cache() *modelcache.Cache {
	return s.cache
}

// InitiateJob allocates an empty workspace and returns its token.
func (s *Service) InitiateJob() (string, error) {
	ws, err := s.workspaces.Create()
	if err != nil {
		return "", err
	}
	s.logger.Debug("Job initiated", zap.String("job_id", ws.Token))
	return ws.Token, nil
}

// UploadSource stores data as the workspace's single source file.
func (s *Service) UploadSource(token string, data []byte) error {
	if err := s.workspaces.Upload(token, data); err != nil {
		return err
	}
	s.logger.Debug("Source uploaded",
		zap.String("job_id", token),
		zap.Int("bytes", len(data)))
	return nil
}

// Compile compiles the workspace's source through the cache and returns the
// model id. The workspace is queued for teardown whatever the result.
//
// The compile does not observe cancellation of ctx; a client disconnect
// never aborts a toolchain run. Only the toolchain deadline and Close do.
func (s *Service) Compile(ctx context.Context, token string) (cachekey.Key, modelcache.Outcome, error) {
	ws, err := s.workspaces.Open(token)
	if err != nil {
		return "", 0, err
	}
	defer s.janitor.Discard(token)

	data, err := ws.ReadSource()
	if err != nil {
		return "", 0, err
	}
	key := cachekey.Hash(data)

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	release := context.AfterFunc(s.base, cancel)
	defer release()

	log := s.logger.With(zap.String("job_id", token), zap.String("model_id", key.String()))
	start := time.Now()
	outcome, err := s.cache.CompileAndCache(cctx, ws.Dir, ws.SourcePath(), key)
	if err != nil {
		kind := errkind.KindOf(err)
		if kind == errkind.KindUnknown {
			log.Error("Compile failed", zap.Error(err))
		} else {
			log.Info("Compile rejected", zap.Stringer("kind", kind), zap.Error(err))
		}
		return "", 0, err
	}

	log.Info("Compile completed",
		zap.Stringer("outcome", outcome),
		zap.Duration("duration", time.Since(start)))
	return key, outcome, nil
}

// CompileSource is the single-shot flow: stage data in a fresh workspace and
// compile it. Oversized data is rejected before a workspace is created.
func (s *Service) CompileSource(ctx context.Context, data []byte) (cachekey.Key, modelcache.Outcome, error) {
	if len(data) > workspace.MaxSourceSize {
		return "", 0, errkind.Wrap(errkind.KindSourceTooLarge, "compile", "",
			fmt.Errorf("%d bytes exceeds limit of %d", len(data), workspace.MaxSourceSize))
	}

	token, err := s.InitiateJob()
	if err != nil {
		return "", 0, err
	}
	if err := s.UploadSource(token, data); err != nil {
		s.janitor.Discard(token)
		return "", 0, err
	}
	return s.Compile(ctx, token)
}

// FetchArtifact resolves name for id, where id is a model id or the token of
// a workspace that still exists. Only main.js and main.wasm are servable.
func (s *Service) FetchArtifact(id, name string) (string, error) {
	if !toolchain.IsArtifact(name) {
		return "", errkind.New(errkind.KindArtifactNotFound, "fetch", name)
	}
	if cachekey.Valid(id) {
		return s.cache.ArtifactPath(cachekey.Key(id), name)
	}
	if workspace.ValidToken(id) {
		if ws, err := s.workspaces.Open(id); err == nil {
			path := filepath.Join(ws.Dir, name)
			if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
				return path, nil
			}
		}
	}
	return "", errkind.New(errkind.KindArtifactNotFound, "fetch", name)
}

// Close aborts compiles still running and waits for queued teardowns.
func (s *Service) Close(ctx context.Context) error {
	s.stop()
	return s.janitor.Close(ctx)
}
