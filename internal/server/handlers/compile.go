package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/stanwasm/internal/errors"
	"github.com/3leaps/stanwasm/pkg/cachekey"
	"github.com/3leaps/stanwasm/pkg/errkind"
	"github.com/3leaps/stanwasm/pkg/modelcache"
	"github.com/3leaps/stanwasm/pkg/workspace"
)

// CompileService is the set of boundary operations the routes drive.
type CompileService interface {
	InitiateJob() (string, error)
	UploadSource(token string, data []byte) error
	Compile(ctx context.Context, token string) (cachekey.Key, modelcache.Outcome, error)
	CompileSource(ctx context.Context, data []byte) (cachekey.Key, modelcache.Outcome, error)
	FetchArtifact(id, name string) (string, error)
}

// MaxBodyBytes admits one byte past the source ceiling so oversize uploads
// reach the SourceTooLarge check without unbounded reads.
const MaxBodyBytes = workspace.MaxSourceSize + 1

// Jobs serves the compile, job, and download routes.
type Jobs struct {
	svc    CompileService
	logger *zap.Logger
}

func NewJobs(svc CompileService, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{svc: svc, logger: logger}
}

type compileResponse struct {
	ModelID string `json:"model_id"`
}

type initiateResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type uploadResponse struct {
	Success bool `json:"success"`
}

type runResponse struct {
	JobID   string `json:"job_id"`
	ModelID string `json:"model_id"`
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
}

// Compile handles POST /compile: the request body is the source.
func (h *Jobs) Compile(w http.ResponseWriter, r *http.Request) {
	data, err := readSource(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key, _, err := h.svc.CompileSource(r.Context(), data)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, compileResponse{ModelID: key.String()})
}

// Initiate handles POST /job/initiate.
func (h *Jobs) Initiate(w http.ResponseWriter, r *http.Request) {
	token, err := h.svc.InitiateJob()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, initiateResponse{JobID: token, Status: "initiated"})
}

// Upload handles POST /job/{job_id}/upload[/{filename}]. The filename, when
// present, is accepted and ignored; the source slot is always main.stan.
func (h *Jobs) Upload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "job_id")
	data, err := readSource(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.svc.UploadSource(token, data); err != nil {
		h.fail(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, uploadResponse{Success: true})
}

// Run handles POST /job/{job_id}/run.
func (h *Jobs) Run(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "job_id")
	key, outcome, err := h.svc.Compile(r.Context(), token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, runResponse{
		JobID:   token,
		ModelID: key.String(),
		Status:  "completed",
		Outcome: outcome.String(),
	})
}

// Download handles GET and HEAD /download/{model_id}/{filename}.
func (h *Jobs) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "model_id")
	name := chi.URLParam(r, "filename")
	path, err := h.svc.FetchArtifact(id, name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if cachekey.Valid(id) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	http.ServeFile(w, r, path)
}

// errUnreadableBody marks a request body that could not be read.
var errUnreadableBody = errors.New("request body could not be read")

func (h *Jobs) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errUnreadableBody) {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeBadRequest, errUnreadableBody.Error(), nil)
		return
	}
	if errkind.KindOf(err) == errkind.KindUnknown {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err))
	}
	respondWithError(w, r, err)
}

func readSource(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errkind.Wrap(errkind.KindSourceTooLarge, "upload", "", err)
		}
		return nil, fmt.Errorf("%w: %w", errUnreadableBody, err)
	}
	return data, nil
}

// RestartResponse acknowledges POST /restart.
type RestartResponse struct {
	Status string `json:"status"`
}

// RestartHandler acknowledges the request, then calls trigger after the
// response has been written.
func RestartHandler(trigger func(), logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Warn("Restart requested", zap.String("remote", strings.TrimSpace(r.RemoteAddr)))
		apperrors.WriteJSON(w, http.StatusOK, RestartResponse{Status: "restarting"})
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		go trigger()
	}
}
