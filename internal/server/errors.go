package server

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable is returned when the store could not commit a batch.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrNodeNotPermitted marks a sample whose node the credential may not submit for.
var ErrNodeNotPermitted = errors.New("credential not permitted for node")

// ErrEmptyBatch is returned for a batch without samples.
var ErrEmptyBatch = errors.New("batch contains no samples")

// ValidationError describes why one sample of a batch was rejected.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("sample %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("sample %d: %s: %s", e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AuthError rejects a whole batch or heartbeat before storage is touched.
type AuthError struct {
	Reason string
	// Forbidden is set when the credential is valid but not permitted
	// for any node in the request.
	Forbidden bool
	Err       error
}

func (e *AuthError) Error() string {
	if e.Forbidden {
		return "forbidden: " + e.Reason
	}
	return "unauthorized: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
