// Package scheduler defines the capability the lifecycle engine needs from an
// external batch scheduler.
package scheduler

import (
	"context"
	"strings"
)

// Status is the reconciled status of a submitted batch.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
	// StatusUnknown is never terminal: the batch is left for a later pass.
	StatusUnknown Status = "UNKNOWN"
)

// Terminal reports whether reconciliation may advance a batch with this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus maps a scheduler accounting token onto Status.
//
// Tokens such as "CANCELLED by 1234" are matched by prefix. Anything not
// recognised, including an empty token, is StatusUnknown.
func ParseStatus(token string) Status {
	t := strings.ToUpper(strings.TrimSpace(token))
	switch {
	case t == "":
		return StatusUnknown
	case strings.HasPrefix(t, "CANCELLED"):
		return StatusCancelled
	}
	switch t {
	case "PENDING", "RUNNING", "CONFIGURING", "COMPLETING", "REQUEUED", "RESIZING", "SUSPENDED":
		return StatusRunning
	case "COMPLETED":
		return StatusCompleted
	case "TIMEOUT":
		return StatusTimeout
	}
	return StatusUnknown
}

// Gateway is the scheduler capability used by the lifecycle engine.
type Gateway interface {
	// CountQueued returns the number of jobs currently queued or running for
	// this user.
	CountQueued(ctx context.Context) (int, error)

	// QueryStatus returns the status of a previously submitted job.
	QueryStatus(ctx context.Context, jobNumber string) (Status, error)

	// Submit submits the batch rooted at batchPath and returns its job number.
	Submit(ctx context.Context, batchPath string) (string, error)

	// Cancel asks the scheduler to cancel a job. Best effort.
	Cancel(ctx context.Context, jobNumber string) error
}
