package roster

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by stores when no row exists for the key.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyAbsent is returned by a UserDeleter when the external system
	// reports the user is already gone. Callers treat it as success.
	ErrAlreadyAbsent = errors.New("user already absent")

	// ErrSyncAlreadyRunning is returned when a sync start is rejected because
	// another sync for the same organisation holds the cursor lock.
	ErrSyncAlreadyRunning = errors.New("sync is already running")

	// ErrUnauthorized marks revoked or invalid credentials. It is permanent.
	ErrUnauthorized = errors.New("unauthorized")
)

// TransientError wraps failures worth retrying: network flaps, 5xx responses,
// broker hiccups.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError wraps failures that retrying cannot fix: revoked auth,
// missing permissions, deleted resources.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RateLimitedError is a transient failure carrying the wait the external API
// asked for. It satisfies IsTransient.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e == nil || e.RetryAfter <= 0 {
		return "rate limited"
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// CryptoError marks credential encryption or decryption failure. It implies
// corrupted ciphertext or a rotated process key and is fatal for the job.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	if e == nil {
		return "crypto error"
	}
	if e.Err == nil {
		return "crypto " + e.Op + " failed"
	}
	return "crypto " + e.Op + ": " + e.Err.Error()
}

func (e *CryptoError) Unwrap() error { return e.Err }

// TaskExhaustedError is surfaced after a task used up its retry budget. It
// carries the final attempt's error.
type TaskExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *TaskExhaustedError) Error() string {
	if e == nil {
		return "task retries exhausted"
	}
	return fmt.Sprintf("task failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *TaskExhaustedError) Unwrap() error { return e.LastErr }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsPermanent reports whether retrying err is pointless.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrUnauthorized)
}

// RetryAfter extracts the server-requested wait from a rate-limit error,
// or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
