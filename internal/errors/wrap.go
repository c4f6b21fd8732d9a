package errors

import (
	"errors"

	ferrors "github.com/fulmenhq/gofulmen/errors"
)

// EnvelopeError is an error carrying a gofulmen envelope and its cause.
type EnvelopeError struct {
	Envelope *ferrors.ErrorEnvelope
	Err      error
}

func (e *EnvelopeError) Error() string {
	if e.Err != nil {
		return e.Envelope.Message + ": " + e.Err.Error()
	}
	return e.Envelope.Message
}

func (e *EnvelopeError) Unwrap() error { return e.Err }

// Envelope returns the envelope carried anywhere in err's chain.
func Envelope(err error) (*ferrors.ErrorEnvelope, bool) {
	var ee *EnvelopeError
	if errors.As(err, &ee) {
		return ee.Envelope, true
	}
	return nil, false
}

// NewExternalServiceError reports an unreachable collaborator such as the
// scheduler or object storage.
func NewExternalServiceError(message string) error {
	return &EnvelopeError{Envelope: ferrors.NewErrorEnvelope(CodeExternalService, message)}
}

// WrapExternal is NewExternalServiceError with a cause.
func WrapExternal(err error, message string) error {
	if err == nil {
		return nil
	}
	return &EnvelopeError{Envelope: ferrors.NewErrorEnvelope(CodeExternalService, message), Err: err}
}

// WrapInternal wraps a local failure such as an unreadable database.
func WrapInternal(err error, message string) error {
	if err == nil {
		return nil
	}
	return &EnvelopeError{Envelope: ferrors.NewErrorEnvelope(CodeInternal, message), Err: err}
}
