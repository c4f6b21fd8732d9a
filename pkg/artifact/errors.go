package artifact

import (
	"errors"
	"fmt"
)

// ArtifactConfirmationError is returned when a packaging step could not
// confirm its output. The source directory is left in place.
type ArtifactConfirmationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ArtifactConfirmationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unconfirmed artifact %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("unconfirmed artifact %s: %s", e.Path, e.Reason)
}

func (e *ArtifactConfirmationError) Unwrap() error {
	return e.Err
}

// IsConfirmationError reports whether err is, or wraps, an
// ArtifactConfirmationError.
func IsConfirmationError(err error) bool {
	var ce *ArtifactConfirmationError
	return errors.As(err, &ce)
}

// ErrMissingSource is returned when neither the source directory nor its
// archive exists.
var ErrMissingSource = errors.New("source directory and archive both missing")

// ErrArchivalMissing is returned by RelocateArchival when the archival file
// is in neither its batch location nor its relocated location.
var ErrArchivalMissing = errors.New("archival file not found")
