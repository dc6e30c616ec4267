// Package errors maps core failures onto the HTTP error envelope.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/stanwasm/pkg/errkind"
)

// Stable error codes carried in the envelope.
const (
	CodeInvalidWorkspace    = "INVALID_WORKSPACE"
	CodeWorkspaceNotFound   = "WORKSPACE_NOT_FOUND"
	CodeAlreadyUploaded     = "ALREADY_UPLOADED"
	CodeSourceTooLarge      = "SOURCE_TOO_LARGE"
	CodeCompilationFailed   = "COMPILATION_FAILED"
	CodeCompilationTimedOut = "COMPILATION_TIMED_OUT"
	CodeArtifactNotFound    = "ARTIFACT_NOT_FOUND"
	CodeInternal            = "INTERNAL_ERROR"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeBadRequest          = "BAD_REQUEST"
	CodeRateLimited         = "RATE_LIMITED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the error envelope: {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// Mapping is the transport classification of one kind.
type Mapping struct {
	Status int
	Code   string
}

// MappingFor returns the HTTP status and code for k. Timeouts are 400, not
// 408, because browsers retry 408 automatically.
func MappingFor(k errkind.Kind) Mapping {
	switch k {
	case errkind.KindInvalidWorkspace:
		return Mapping{http.StatusBadRequest, CodeInvalidWorkspace}
	case errkind.KindWorkspaceNotFound:
		return Mapping{http.StatusNotFound, CodeWorkspaceNotFound}
	case errkind.KindAlreadyUploaded:
		return Mapping{http.StatusConflict, CodeAlreadyUploaded}
	case errkind.KindSourceTooLarge:
		return Mapping{http.StatusBadRequest, CodeSourceTooLarge}
	case errkind.KindCompilationFailed:
		return Mapping{http.StatusUnprocessableEntity, CodeCompilationFailed}
	case errkind.KindCompilationTimedOut:
		return Mapping{http.StatusBadRequest, CodeCompilationTimedOut}
	case errkind.KindArtifactNotFound:
		return Mapping{http.StatusNotFound, CodeArtifactNotFound}
	case errkind.KindUnknown:
		return Mapping{http.StatusInternalServerError, CodeInternal}
	default:
		panic(fmt.Sprintf("errors: no HTTP mapping for kind %d", int(k)))
	}
}

// FromError builds the status and envelope for err. Unclassified errors and
// defects are reported without their internal message.
func FromError(err error) (int, HTTPErrorResponse) {
	kind := errkind.KindOf(err)
	m := MappingFor(kind)

	body := HTTPError{Code: m.Code, Message: err.Error()}
	switch kind {
	case errkind.KindUnknown:
		body.Message = "internal server error"
	case errkind.KindCompilationFailed:
		var ce *errkind.CompileError
		if errors.As(err, &ce) {
			body.Message = "compilation failed"
			body.Details = map[string]any{
				"exit_code":   ce.ExitCode,
				"diagnostics": ce.Diagnostics,
			}
		}
	case errkind.KindCompilationTimedOut:
		var te *errkind.TimeoutError
		if errors.As(err, &te) {
			body.Message = te.Error()
			body.Details = map[string]any{"timeout": te.Timeout.String()}
		}
	}
	return m.Status, HTTPErrorResponse{Error: body}
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := FromError(err)
	if r != nil {
		body.Error.RequestID = chimw.GetReqID(r.Context())
	}
	WriteJSON(w, status, body)
}

// WriteError writes an envelope built from explicit fields.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{Error: HTTPError{Code: code, Message: message, Details: details}}
	if r != nil {
		body.Error.RequestID = chimw.GetReqID(r.Context())
	}
	WriteJSON(w, status, body)
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
