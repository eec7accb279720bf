package roster

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "transient", err: Transient(errors.New("boom")), want: true},
		{name: "wrapped transient", err: fmt.Errorf("fetch: %w", Transient(errors.New("boom"))), want: true},
		{name: "rate limited", err: &RateLimitedError{RetryAfter: time.Second}, want: true},
		{name: "permanent", err: Permanent(errors.New("boom")), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "permanent", err: Permanent(errors.New("boom")), want: true},
		{name: "wrapped permanent", err: fmt.Errorf("delete: %w", Permanent(errors.New("boom"))), want: true},
		{name: "unauthorized", err: fmt.Errorf("api: %w", ErrUnauthorized), want: true},
		{name: "transient", err: Transient(errors.New("boom")), want: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsPermanent(tc.err); got != tc.want {
				t.Fatalf("IsPermanent(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	if got := RetryAfter(errors.New("boom")); got != 0 {
		t.Fatalf("RetryAfter(plain) = %s, want 0", got)
	}
	err := fmt.Errorf("fetch: %w", &RateLimitedError{RetryAfter: 42 * time.Second})
	if got := RetryAfter(err); got != 42*time.Second {
		t.Fatalf("RetryAfter(rate limited) = %s, want 42s", got)
	}
}

func TestTransientNilIsNil(t *testing.T) {
	t.Parallel()

	if err := Transient(nil); err != nil {
		t.Fatalf("Transient(nil) = %v, want nil", err)
	}
	if err := Permanent(nil); err != nil {
		t.Fatalf("Permanent(nil) = %v, want nil", err)
	}
}

func TestUserRecordDeprovisioned(t *testing.T) {
	t.Parallel()

	if (UserRecord{Status: "active"}).Deprovisioned() {
		t.Fatal("active user reported deprovisioned")
	}
	if !(UserRecord{Status: " Deprovisioned "}).Deprovisioned() {
		t.Fatal("deprovisioned user not detected")
	}
}
