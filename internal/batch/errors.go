package batch

import "errors"

// Terminal engine errors.
var (
	// ErrBudgetExhausted denies admission once cumulative cost reached the
	// budget. Once returned, no later acquire in the same run succeeds.
	ErrBudgetExhausted = errors.New("batch: budget exhausted")

	// ErrAlreadyRun reports reuse of a finished engine.
	ErrAlreadyRun = errors.New("batch: engine already run")
)

// PermanentError marks a failure that retrying cannot fix, such as an input
// that can never validate. The executor fails the item on first sight.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the executor skips further attempts. A nil err stays
// nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError in its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
