package firestore

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesGRPCCodes(t *testing.T) {
	cases := []struct {
		code                             codes.Code
		notFound, conflict, unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "boom"))
			var repoErr *Error
			if !errors.As(err, &repoErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification for %s: %+v", tc.code, repoErr)
			}
		})
	}
}

func TestWrapErrorPassesThroughCancellation(t *testing.T) {
	if err := WrapError("tx", status.Error(codes.Canceled, "cancelled")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("tx", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type classified struct{ error }

func (classified) IsNotFound() bool    { return false }
func (classified) IsConflict() bool    { return true }
func (classified) IsUnavailable() bool { return false }

func TestWrapErrorKeepsClassifiedErrors(t *testing.T) {
	inner := classified{errors.New("insufficient stock")}
	err := WrapError("transaction", inner)
	var got classified
	if !errors.As(err, &got) {
		t.Fatalf("expected classified error to survive wrapping, got %T", err)
	}
}
