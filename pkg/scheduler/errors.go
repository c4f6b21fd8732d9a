package scheduler

import (
	"errors"
	"fmt"
)

// GatewayError is returned when the scheduler cannot be reached or its
// output cannot be parsed.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("scheduler %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// SubmissionError is returned when a submission errors or yields no job
// number. Nothing was submitted.
type SubmissionError struct {
	BatchPath string
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.BatchPath, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ErrNoJobNumber is wrapped by SubmissionError when the scheduler accepted
// the call but printed no job number.
var ErrNoJobNumber = errors.New("scheduler returned no job number")

// IsGatewayError reports whether err is, or wraps, a GatewayError.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// IsSubmissionError reports whether err is, or wraps, a SubmissionError.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}
