package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindStatusMapping(t *testing.T) {
	cases := []struct {
		err    *ServiceError
		status int
	}{
		{Validation("bad digest"), http.StatusBadRequest},
		{Unauthorized("missing token"), http.StatusUnauthorized},
		{NotYetResolved("awaiting confirmation"), http.StatusAccepted},
		{Forbidden("ticket identity mismatch"), http.StatusForbidden},
		{NotFound("unknown identity"), http.StatusNotFound},
		{Conflict("ticket already used"), http.StatusConflict},
		{Gone("ticket expired"), http.StatusGone},
		{RateLimited("sign limit exceeded"), http.StatusTooManyRequests},
		{Upstream("enclave unavailable", nil), http.StatusBadGateway},
		{NotImplemented("bot not configured"), http.StatusNotImplemented},
		{Internal("boom", nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if tc.err.HTTPStatus != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.err.Kind, tc.err.HTTPStatus, tc.status)
		}
		if got := HTTPStatus(tc.err); got != tc.status {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", tc.err.Kind, got, tc.status)
		}
	}
}

func TestGetServiceErrorUnwrapsChains(t *testing.T) {
	base := NotFound("no such ticket")
	wrapped := fmt.Errorf("load ticket: %w", base)

	se := GetServiceError(wrapped)
	if se == nil {
		t.Fatal("expected ServiceError in chain")
	}
	if se.Kind != KindNotFound {
		t.Fatalf("kind = %s, want %s", se.Kind, KindNotFound)
	}
}

func TestGetServiceErrorNilForPlainError(t *testing.T) {
	if se := GetServiceError(stderrors.New("plain")); se != nil {
		t.Fatalf("expected nil, got %v", se)
	}
	if got := HTTPStatus(stderrors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain error status = %d, want 500", got)
	}
}

func TestWithDetails(t *testing.T) {
	err := Forbidden("digest mismatch").WithDetails("claim", "digest_hash")
	if err.Details["claim"] != "digest_hash" {
		t.Fatalf("details = %v", err.Details)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(stderrors.New("x")); got != KindInternal {
		t.Fatalf("KindOf = %s, want %s", got, KindInternal)
	}
	if got := KindOf(Gone("expired")); got != KindGone {
		t.Fatalf("KindOf = %s, want %s", got, KindGone)
	}
}

func TestInternalWrapsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Internal("persist backup", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}
