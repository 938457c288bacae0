package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusUnauthorized, Unauthenticated},
		{http.StatusForbidden, Forbidden},
		{http.StatusNotFound, NotFound},
		{http.StatusConflict, Conflict},
		{http.StatusRequestTimeout, Timeout},
		{http.StatusTooManyRequests, ServerError},
		{http.StatusInternalServerError, ServerError},
		{http.StatusServiceUnavailable, ServerError},
		{http.StatusBadRequest, Unexpected},
	}
	for _, tt := range tests {
		err := FromStatus("fetch_page", tt.code, "")
		if got := KindOf(err); got != tt.want {
			t.Errorf("FromStatus(%d) kind = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestFromStatus_429Message(t *testing.T) {
	err := FromStatus("search", 429, "slow down")
	if !strings.Contains(strings.ToLower(err.Error()), "rate limited") {
		t.Fatalf("expected rate limited message, got %q", err.Error())
	}
}

func TestFromTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, Timeout},
		{"wrapped deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), Timeout},
		{"cancelled", context.Canceled, Cancelled},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example"}, NoConnectivity},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, NoConnectivity},
		{"other", stderrors.New("boom"), NoConnectivity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(FromTransport("op", tt.err)); got != tt.want {
				t.Fatalf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSentinelsMatchByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", FromStatus("detail", 404, ""))
	if !stderrors.Is(err, ErrNotFound) {
		t.Fatal("expected errors.Is(err, ErrNotFound)")
	}
	if stderrors.Is(err, ErrServerError) {
		t.Fatal("404 must not match ErrServerError")
	}
	if stderrors.Is(New(NotFound, "a", "b"), New(NotFound, "a", "b")) {
		t.Fatal("non-sentinel targets must not match by kind")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(FromStatus("x", 503, "")) {
		t.Error("503 should be retryable")
	}
	if !IsRetryable(FromTransport("x", context.DeadlineExceeded)) {
		t.Error("timeout should be retryable")
	}
	for _, code := range []int{401, 403, 404, 409} {
		if IsRetryable(FromStatus("x", code, "")) {
			t.Errorf("%d should not be retryable", code)
		}
	}
	if IsRetryable(Store("upsert", stderrors.New("disk"))) {
		t.Error("store errors are not retryable")
	}
}

func TestFriendlyIncludesSuggestion(t *testing.T) {
	e := DatabaseError("store.open", stderrors.New("database is locked"))
	if !strings.Contains(e.Friendly(), "How to fix") {
		t.Fatalf("missing suggestion: %q", e.Friendly())
	}
	if KindOf(e) != StoreError {
		t.Fatalf("kind = %v", KindOf(e))
	}
}

func TestDiskSpaceError(t *testing.T) {
	e := DiskSpaceError(1<<20, 3<<20)
	if !strings.Contains(e.Error(), "insufficient disk space") {
		t.Fatalf("unexpected message %q", e.Error())
	}
}
