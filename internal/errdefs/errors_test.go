package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := NotFound("model not found: %s", "m1")
	wrapped := fmt.Errorf("terminate: %w", base)
	if !IsNotFound(wrapped) {
		t.Fatalf("expected not found through wrap, got kind %q", KindOf(wrapped))
	}
	if IsAlreadyExists(wrapped) {
		t.Fatalf("unexpected already exists")
	}
}

func TestBackendLoadUnwrapsCause(t *testing.T) {
	cause := errors.New("weights missing")
	err := BackendLoad(cause, "load %s", "llama-2")
	if !IsBackendLoad(err) {
		t.Fatalf("expected backend load kind")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if got := err.Error(); got != "load llama-2: weights missing" {
		t.Fatalf("message=%q", got)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindNotFound, nil, "x") != nil {
		t.Fatalf("expected nil")
	}
}

func TestStatusCodes(t *testing.T) {
	cases := map[error]int{
		NotFound("x"):                  http.StatusNotFound,
		AlreadyExists("x"):             http.StatusConflict,
		AlreadyLoaded("x"):             http.StatusConflict,
		NoCapacity("x"):                http.StatusServiceUnavailable,
		NoDeviceAvailable("x"):         http.StatusServiceUnavailable,
		InvalidArgument("x"):           http.StatusBadRequest,
		Unsupported("x"):               http.StatusNotImplemented,
		InferenceFailure(nil, "batch"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("not an *Error: %v", err)
		}
		if e.StatusCode() != want {
			t.Errorf("%s: status=%d want %d", e.Kind, e.StatusCode(), want)
		}
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatalf("expected unknown kind")
	}
}
