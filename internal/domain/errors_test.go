package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "version conflict error", err: ErrOrderVersionConflict, want: true},
		{name: "wrapped version conflict error", err: errors.Join(ErrOrderVersionConflict, errors.New("additional context")), want: true},
		{name: "other error", err: ErrOrderNotFound, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsVersionConflict(tt.err); got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "idempotency already exists", err: ErrIdempotencyKeyAlreadyExists, want: true},
		{name: "idempotency hash mismatch", err: ErrIdempotencyHashMismatch, want: true},
		{name: "wrapped idempotency conflict", err: errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")), want: true},
		{name: "non idempotency error", err: ErrOrderVersionConflict, want: false},
		{name: "nil error", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIdempotencyConflict(tt.err); got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: ""},
		{name: "typed", err: InsufficientStock(2, 5), want: KindInsufficientStock},
		{name: "wrapped typed", err: fmt.Errorf("create: %w", UpstreamUnavailable("identity", errors.New("timeout"))), want: KindUpstreamUnavailable},
		{name: "order not found sentinel", err: fmt.Errorf("load: %w", ErrOrderNotFound), want: KindNotFound},
		{name: "bad size sentinel", err: ErrSizeInvalid, want: KindInvalidRequest},
		{name: "compensation", err: CompensationFailed(errors.New("down")), want: KindCompensationFailed},
		{name: "transition", err: InvalidStateTransition(OrderStatusShipped, OrderStatusCancelled), want: KindInvalidStateTransition},
		{name: "rejected", err: UpstreamRejected("catalog", http.StatusInternalServerError, ""), want: KindUpstreamRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInsufficientStockCarriesCounts(t *testing.T) {
	err := fmt.Errorf("decrement: %w", InsufficientStock(3, 10))

	var typed *Error
	if !errors.As(err, &typed) {
		t.Fatal("expected *Error in chain")
	}
	if typed.Available != 3 || typed.Requested != 10 {
		t.Fatalf("unexpected counts: %+v", typed)
	}
}

func TestErrorUnwrap(t *testing.T) {
	root := errors.New("connection refused")
	err := UpstreamUnavailable("stock", root)
	if !errors.Is(err, root) {
		t.Fatal("expected root cause to be reachable")
	}
	if err.Error() != "stock unavailable: connection refused" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
