package harvest

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialUnavailable means no usable session could be produced.
	ErrCredentialUnavailable = errors.New("credential unavailable")
	// ErrNoInput means the input contained no identifiers.
	ErrNoInput = errors.New("no file numbers supplied")
	// ErrInvalidManifest means a resume manifest could not be decoded.
	ErrInvalidManifest = errors.New("invalid resume manifest")
)

// CredentialError carries the cause of a failed acquisition.
type CredentialError struct {
	Provider string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s provider after %d attempt(s)", ErrCredentialUnavailable, e.Provider, e.Attempts)
	}
	return fmt.Sprintf("%s: %s provider after %d attempt(s): %v", ErrCredentialUnavailable, e.Provider, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Is matches ErrCredentialUnavailable.
func (e *CredentialError) Is(target error) bool {
	return target == ErrCredentialUnavailable
}
