package main

import (
	"errors"
	"testing"
)

func TestExitError_Error(t *testing.T) {
	t.Parallel()

	if got := exitWith(1, errors.New("boom")).Error(); got != "boom" {
		t.Fatalf("Error() = %q, want %q", got, "boom")
	}
	if got := silentExit(130, nil).Error(); got != "exit status 130" {
		t.Fatalf("Error() = %q, want %q", got, "exit status 130")
	}
	if !silentExit(130, nil).silent {
		t.Fatal("silentExit() produced a non-silent error")
	}
	if cause := errors.New("boom"); !errors.Is(exitWith(2, cause), cause) {
		t.Fatal("exitWith() does not unwrap to its cause")
	}
}
