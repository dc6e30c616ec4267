// Package errkind defines the closed set of failure kinds raised by the
// compilation core.
//
// Every core operation either succeeds or returns an error that classifies to
// exactly one Kind. Transport layers map kinds to responses with an exhaustive
// switch over Kind; the core never encodes transport concerns itself.
package errkind

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a user-visible failure condition.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy,
	// including defects.
	KindUnknown Kind = iota
	KindInvalidWorkspace
	KindWorkspaceNotFound
	KindAlreadyUploaded
	KindSourceTooLarge
	KindCompilationFailed
	KindCompilationTimedOut
	KindArtifactNotFound
)

// Kinds lists every classified kind, in declaration order.
var Kinds = []Kind{
	KindInvalidWorkspace,
	KindWorkspaceNotFound,
	KindAlreadyUploaded,
	KindSourceTooLarge,
	KindCompilationFailed,
	KindCompilationTimedOut,
	KindArtifactNotFound,
}

func (k Kind) String() string {
	switch k {
	case KindInvalidWorkspace:
		return "InvalidWorkspace"
	case KindWorkspaceNotFound:
		return "WorkspaceNotFound"
	case KindAlreadyUploaded:
		return "AlreadyUploaded"
	case KindSourceTooLarge:
		return "SourceTooLarge"
	case KindCompilationFailed:
		return "CompilationFailed"
	case KindCompilationTimedOut:
		return "CompilationTimedOut"
	case KindArtifactNotFound:
		return "ArtifactNotFound"
	default:
		return "Unknown"
	}
}

// Sentinel errors, one per kind.
var (
	// ErrInvalidWorkspace indicates a malformed or unrecognized workspace token.
	ErrInvalidWorkspace = errors.New("invalid workspace")

	// ErrWorkspaceNotFound indicates a well-formed token with no backing directory.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrAlreadyUploaded indicates a second upload into the same workspace.
	ErrAlreadyUploaded = errors.New("source already uploaded")

	// ErrSourceTooLarge indicates the uploaded bytes exceed the size ceiling.
	ErrSourceTooLarge = errors.New("source file too large")

	// ErrCompilationFailed indicates the toolchain exited non-zero.
	ErrCompilationFailed = errors.New("compilation failed")

	// ErrCompilationTimedOut indicates the toolchain exceeded its deadline.
	ErrCompilationTimedOut = errors.New("compilation timed out")

	// ErrArtifactNotFound indicates an invalid artifact name or a missing file.
	ErrArtifactNotFound = errors.New("artifact not found")
)

var sentinels = map[Kind]error{
	KindInvalidWorkspace:    ErrInvalidWorkspace,
	KindWorkspaceNotFound:   ErrWorkspaceNotFound,
	KindAlreadyUploaded:     ErrAlreadyUploaded,
	KindSourceTooLarge:      ErrSourceTooLarge,
	KindCompilationFailed:   ErrCompilationFailed,
	KindCompilationTimedOut: ErrCompilationTimedOut,
	KindArtifactNotFound:    ErrArtifactNotFound,
}

// Sentinel returns the sentinel error for k, or nil for KindUnknown.
func (k Kind) Sentinel() error {
	return sentinels[k]
}

// Error attaches operation context to a classified failure.
type Error struct {
	// Kind is the failure classification.
	Kind Kind

	// Op is the operation that failed (e.g., "upload", "open").
	Op string

	// Subject is the workspace token, cache key, or artifact name involved.
	Subject string

	// Err is an optional underlying cause.
	Err error
}

// New returns an *Error for kind k.
func New(k Kind, op, subject string) *Error {
	return &Error{Kind: k, Op: op, Subject: subject}
}

// Wrap returns an *Error for kind k with an underlying cause.
func Wrap(k Kind, op, subject string, err error) *Error {
	return &Error{Kind: k, Op: op, Subject: subject, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Sentinel().Error()
	if e.Subject != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Subject)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.Sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CompileError is the payload of a CompilationFailed failure.
type CompileError struct {
	// ExitCode is the toolchain exit status (-1 if it never reported one).
	ExitCode int

	// Diagnostics is the captured diagnostic output.
	Diagnostics string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compilation failed: exit code %d", e.ExitCode)
}

// Is reports true for ErrCompilationFailed.
func (e *CompileError) Is(target error) bool {
	return target == ErrCompilationFailed
}

// TimeoutError is the payload of a CompilationTimedOut failure.
type TimeoutError struct {
	// Timeout is the deadline that elapsed.
	Timeout time.Duration

	// Diagnostics is whatever output was captured before the kill.
	Diagnostics string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("model compilation took too long to complete (limit %s)", e.Timeout)
}

// Is reports true for ErrCompilationTimedOut.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrCompilationTimedOut
}

// Defect reports an internal inconsistency, such as a destination artifact
// appearing inside a lock-protected publish. It is never user-triggerable
// and never classifies to a taxonomy kind.
type Defect struct {
	Op  string
	Err error
}

func (e *Defect) Error() string {
	return fmt.Sprintf("internal defect in %s: %v", e.Op, e.Err)
}

func (e *Defect) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Defects and unclassified errors are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var defect *Defect
	if errors.As(err, &defect) {
		return KindUnknown
	}
	for _, k := range Kinds {
		if errors.Is(err, sentinels[k]) {
			return k
		}
	}
	return KindUnknown
}

// Is reports whether err classifies to k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k && k != KindUnknown
}

// IsDefect reports whether err is an internal inconsistency.
func IsDefect(err error) bool {
	var defect *Defect
	return errors.As(err, &defect)
}

// Diagnostics returns the captured toolchain output carried by err, if any.
func Diagnostics(err error) string {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce.Diagnostics
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Diagnostics
	}
	return ""
}
