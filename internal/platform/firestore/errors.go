package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind int

const (
	kindOther errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

var kindByCode = map[codes.Code]errorKind{
	codes.NotFound:           kindNotFound,
	codes.AlreadyExists:      kindConflict,
	codes.FailedPrecondition: kindConflict,
	codes.Aborted:            kindConflict,
	codes.OutOfRange:         kindConflict,
	codes.Unavailable:        kindUnavailable,
	codes.ResourceExhausted:  kindUnavailable,
	codes.Internal:           kindUnavailable,
	codes.Unauthenticated:    kindUnavailable,
	codes.PermissionDenied:   kindUnavailable,
}

// Error carries repository semantics for Firestore failures. It satisfies
// repositories.RepositoryError.
type Error struct {
	op   string
	err  error
	kind errorKind
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict reports whether the error represents a conflicting write.
func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable reports whether the backend could not be reached.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

// NotFoundError reports a document missing from op without a gRPC status,
// for example a batched read that came back empty for an id.
func NotFoundError(op, id string) error {
	return &Error{op: op, err: fmt.Errorf("document %q not found", id), kind: kindNotFound}
}

// ConflictError reports a write refused because the document already exists.
func ConflictError(op, id string) error {
	return &Error{op: op, err: fmt.Errorf("document %q already exists", id), kind: kindConflict}
}

// WrapError annotates Firestore errors with repository semantics. Context
// cancellations pass through so callers can tell them apart from outages.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	return &Error{op: op, err: err, kind: kindByCode[status.Code(err)]}
}

// IsNotFound reports whether err, or anything it wraps, is a missing document.
func IsNotFound(err error) bool {
	var repoErr *Error
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return status.Code(err) == codes.NotFound
}
