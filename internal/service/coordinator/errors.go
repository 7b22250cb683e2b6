package coordinator

import "fmt"

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// ContentionError is returned when an operation kept losing write conflicts
// until its retry budget ran out. Callers may try again after a short wait.
type ContentionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s: transaction contention after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ContentionError) Unwrap() error {
	return e.Err
}
