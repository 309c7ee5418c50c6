// Package errors provides the structured error taxonomy for prismfs and the
// mapping from error kinds onto POSIX result codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"syscall"
)

// Kind classifies a failure into one of the categories the dispatcher knows
// how to surface through the filesystem protocol.
type Kind uint8

const (
	// KindInternal is the zero value: an unclassified failure, surfaced as EIO.
	KindInternal Kind = iota

	// KindNotFound means the path or object is absent.
	KindNotFound

	// KindExist means the entry already exists (create/mkdir collisions).
	KindExist

	// KindNotEmpty means a directory still has children.
	KindNotEmpty

	// KindNotDirectory means a directory operation hit a file.
	KindNotDirectory

	// KindIsDirectory means a file operation hit a directory.
	KindIsDirectory

	// KindConflict means a concurrent delete or rename raced the operation;
	// the handle the caller holds no longer refers to a live object.
	KindConflict

	// KindTimeout means a backend request exceeded its deadline.
	KindTimeout

	// KindUnavailable means the backend is unreachable or refusing service.
	KindUnavailable

	// KindPermissionDenied means the backend rejected the credentials or the
	// operation. Never retried.
	KindPermissionDenied

	// KindStateError means an operation was issued against a handle in an
	// invalid state, e.g. write after release. A client programming error.
	KindStateError
)

var kindNames = map[Kind]string{
	KindInternal:         "internal",
	KindNotFound:         "not found",
	KindExist:            "already exists",
	KindNotEmpty:         "not empty",
	KindNotDirectory:     "not a directory",
	KindIsDirectory:      "is a directory",
	KindConflict:         "conflict",
	KindTimeout:          "timeout",
	KindUnavailable:      "unavailable",
	KindPermissionDenied: "permission denied",
	KindStateError:       "invalid handle state",
}

// String returns the kind's short description.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is a classified failure carrying the operation and path it occurred
// on. The underlying cause, if any, is available through Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind so callers can use errors.Is with sentinel
// instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an Error of the given kind for op acting on path.
func New(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap creates an Error of the given kind wrapping cause. A nil cause yields
// a plain kinded error.
func Wrap(kind Kind, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// KindOf extracts the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsRetryable reports whether the failure class is transient. Only timeouts
// and backend unavailability qualify; not-found and permission failures are
// never retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// Errno maps err onto the closest POSIX result code. Backend-specific causes
// are deliberately flattened here; distinguishing them is the job of logging,
// not the filesystem return path.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindNotFound:
		return syscall.ENOENT
	case KindExist:
		return syscall.EEXIST
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindNotDirectory:
		return syscall.ENOTDIR
	case KindIsDirectory:
		return syscall.EISDIR
	case KindConflict:
		return syscall.ESTALE
	case KindPermissionDenied:
		return syscall.EACCES
	case KindStateError:
		return syscall.EBADF
	case KindTimeout, KindUnavailable:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
