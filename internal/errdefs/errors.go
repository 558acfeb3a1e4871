// Package errdefs defines the error kinds shared by the coordinator, node
// agents, funnels and the scheduler. Errors keep their kind when wrapped with
// fmt.Errorf("...: %w", err), and carry an HTTP status for the API layers.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindUnknown           Kind = ""
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindAlreadyLoaded     Kind = "already_loaded"
	KindNoCapacity        Kind = "no_capacity"
	KindNoDeviceAvailable Kind = "no_device_available"
	KindBackendLoad       Kind = "backend_load_error"
	KindUnsupported       Kind = "unsupported_operation"
	KindInvalidArgument   Kind = "invalid_argument"
	KindInferenceFailure  Kind = "inference_failure"
)

// StatusCode maps a kind to the HTTP status returned by the API layers.
func (k Kind) StatusCode() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists, KindAlreadyLoaded:
		return http.StatusConflict
	case KindNoCapacity, KindNoDeviceAvailable:
		return http.StatusServiceUnavailable
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete error type for all kinds.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode satisfies the HTTP layer's status-carrying error contract.
func (e *Error) StatusCode() int { return e.Kind.StatusCode() }

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) error { return New(KindNotFound, format, args...) }

func AlreadyExists(format string, args ...any) error {
	return New(KindAlreadyExists, format, args...)
}

func AlreadyLoaded(format string, args ...any) error {
	return New(KindAlreadyLoaded, format, args...)
}

func NoCapacity(format string, args ...any) error { return New(KindNoCapacity, format, args...) }

func NoDeviceAvailable(format string, args ...any) error {
	return New(KindNoDeviceAvailable, format, args...)
}

// BackendLoad wraps a backend construction or load failure.
func BackendLoad(err error, format string, args ...any) error {
	return Wrap(KindBackendLoad, err, format, args...)
}

func Unsupported(format string, args ...any) error { return New(KindUnsupported, format, args...) }

func InvalidArgument(format string, args ...any) error {
	return New(KindInvalidArgument, format, args...)
}

// InferenceFailure wraps the error that aborted a batch step.
func InferenceFailure(err error, format string, args ...any) error {
	if err == nil {
		return New(KindInferenceFailure, format, args...)
	}
	return Wrap(KindInferenceFailure, err, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool          { return KindOf(err) == KindNotFound }
func IsAlreadyExists(err error) bool     { return KindOf(err) == KindAlreadyExists }
func IsAlreadyLoaded(err error) bool     { return KindOf(err) == KindAlreadyLoaded }
func IsNoCapacity(err error) bool        { return KindOf(err) == KindNoCapacity }
func IsNoDeviceAvailable(err error) bool { return KindOf(err) == KindNoDeviceAvailable }
func IsBackendLoad(err error) bool       { return KindOf(err) == KindBackendLoad }
func IsUnsupported(err error) bool       { return KindOf(err) == KindUnsupported }
func IsInvalidArgument(err error) bool   { return KindOf(err) == KindInvalidArgument }
func IsInferenceFailure(err error) bool  { return KindOf(err) == KindInferenceFailure }
