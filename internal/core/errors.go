package core

import (
	"errors"
	"fmt"
)

// ErrSchemaMismatch signals a vector or model input dimension disagreement.
// It is fatal to the enclosing driver tick and requires admin intervention.
var ErrSchemaMismatch = errors.New("schema mismatch")

// ErrInvariant signals a broken database invariant (duplicate delivered
// broadcast, dangling model reference). It indicates a bug, not bad input.
var ErrInvariant = errors.New("invariant violation")

// TransientError wraps failures worth retrying: timeouts, 429/5xx responses,
// serialization failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that will not succeed on retry: 4xx responses,
// unparseable feeds, invalid webhook URLs.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient marks err as retriable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as non-retriable. Returns nil for a nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is marked retriable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is marked non-retriable.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
