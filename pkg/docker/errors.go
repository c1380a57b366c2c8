package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// ErrorKind classifies runtime failures.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindNotFound  ErrorKind = "not-found"
	KindConflict  ErrorKind = "conflict"
	KindTimeout   ErrorKind = "timeout"
	KindUnknown   ErrorKind = "unknown"
)

// Sentinels matched through errors.Is against an *OpError.
var (
	ErrUnavailable = errors.New("container runtime unavailable")
	ErrNotFound    = errors.New("resource not found")
	ErrConflict    = errors.New("resource conflict")
	ErrTimeout     = errors.New("runtime call timed out")
)

// OpError is returned by every Client method that fails.
type OpError struct {
	Op       string
	Resource string
	Kind     ErrorKind
	Err      error
}

func (e *OpError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Resource, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindTransport
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// IsNotFound reports whether err is a not-found runtime error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errdefs.IsNotFound(err)
}

// IsConflict reports whether err is a conflict such as a volume in use.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errdefs.IsConflict(err)
}

// IsUnavailable reports whether the daemon could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || client.IsErrConnectionFailed(err)
}

func classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errdefs.IsDeadline(err):
		return KindTimeout
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		return KindTransport
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsConflict(err):
		return KindConflict
	}
	return KindUnknown
}

func wrap(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Resource: resource, Kind: classify(err), Err: err}
}
