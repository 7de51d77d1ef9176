package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOfWrapped(t *testing.T) {
	base := NotFound("expense", "e1")
	wrapped := fmt.Errorf("load: %w", base)

	if got := CodeOf(wrapped); got != ErrCodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", got)
	}
	if !Is(wrapped, ErrCodeNotFound) {
		t.Fatalf("expected Is to match through wrapping")
	}
	if Is(nil, ErrCodeNotFound) {
		t.Fatalf("nil error must not match")
	}
	if got := CodeOf(stderrors.New("plain")); got != ErrCodeInternal {
		t.Fatalf("expected INTERNAL for plain error, got %s", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	err := StoreUnavailable(cause)
	if !stderrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !IsTransient(err) {
		t.Fatalf("store unavailable should be transient")
	}
	if IsTransient(New(ErrCodeAlreadyDecided, "x")) {
		t.Fatalf("policy violations are not transient")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{InvalidInput("amount", "must be positive"), http.StatusBadRequest},
		{NotFound("expense", "e1"), http.StatusNotFound},
		{New(ErrCodeNotAnApprover, "x"), http.StatusForbidden},
		{New(ErrCodeNotYourTurn, "x"), http.StatusConflict},
		{VersionConflict("expense", "e1"), http.StatusConflict},
		{New(ErrCodeAmbiguousRule, "x"), http.StatusUnprocessableEntity},
		{StoreUnavailable(nil), http.StatusServiceUnavailable},
		{stderrors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
