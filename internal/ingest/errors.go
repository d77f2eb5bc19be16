package ingest

import "errors"

// PersistenceError marks a failure of the record store or of the dedup probe
// in front of it. It is the only error class the webhook transport surfaces
// as retryable; the provider's redelivery then either completes the
// interrupted write or is recognized as already done.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError wraps err as a retryable persistence failure.
func NewPersistenceError(err error) *PersistenceError {
	return &PersistenceError{Err: err}
}

// IsPersistence reports whether err, or any error in its chain, is a
// PersistenceError.
func IsPersistence(err error) bool {
	if err == nil {
		return false
	}
	var pe *PersistenceError
	return errors.As(err, &pe)
}
