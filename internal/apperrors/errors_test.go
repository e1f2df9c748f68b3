package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := map[*Error]int{
		ErrInvalidFormat:      http.StatusBadRequest,
		ErrExpired:            http.StatusBadRequest,
		ErrAlreadyMarked:      http.StatusConflict,
		ErrUnknownStudent:     http.StatusNotFound,
		ErrInvalidCredentials: http.StatusUnauthorized,
		ErrStoreUnavailable:   http.StatusServiceUnavailable,
		ErrStoreFailure:       http.StatusInternalServerError,
	}
	for err, expect := range cases {
		if got := HTTPStatus(fmt.Errorf("ctx: %w", err)); got != expect {
			t.Fatalf("%s: expected %d got %d", err.Code, expect, got)
		}
	}
}

func TestStoreClassification(t *testing.T) {
	err := Store(context.DeadlineExceeded, ErrStoreFailure)
	if !errors.Is(err, ErrStoreUnavailable) || KindOf(err) != KindTransient {
		t.Fatalf("deadline should be transient, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause must stay reachable")
	}
	err = Store(errors.New("disk full"), ErrStoreFailure)
	if !errors.Is(err, ErrStoreFailure) || KindOf(err) != KindFatal {
		t.Fatalf("expected fatal store failure, got %v", err)
	}
	if got := Store(ErrAlreadyMarked, ErrStoreFailure); got != ErrAlreadyMarked {
		t.Fatalf("kinded errors pass through, got %v", got)
	}
	if Store(nil, ErrStoreFailure) != nil {
		t.Fatalf("nil stays nil")
	}
}

func TestMessageFallback(t *testing.T) {
	if Message(errors.New("boom")) == "" || Code(errors.New("boom")) != "server_error" {
		t.Fatalf("unexpected fallback values")
	}
	if Message(ErrExpired) != ErrExpired.Message {
		t.Fatalf("expected sentinel message")
	}
}
