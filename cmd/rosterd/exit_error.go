package main

import "fmt"

// exitError carries a specific process exit code through cobra's error
// return path. Silent errors have already been reported (or are routine
// cancellations) and produce no extra stderr line.
type exitError struct {
	code   int
	err    error
	silent bool
}

func exitWith(code int, err error) *exitError {
	return &exitError{code: code, err: err}
}

func silentExit(code int, err error) *exitError {
	return &exitError{code: code, err: err, silent: true}
}

func (e *exitError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.err == nil:
		return fmt.Sprintf("exit status %d", e.code)
	default:
		return e.err.Error()
	}
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}
