// Package schedulertest provides an in-memory scheduler.Gateway for tests.
package schedulertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/3leaps/batchkeeper/pkg/scheduler"
)

// Gateway is a scriptable fake. The zero value is ready to use.
type Gateway struct {
	mu sync.Mutex

	// Queued is returned by CountQueued unless CountErr is set.
	Queued   int
	CountErr error

	// Statuses maps job numbers to the status QueryStatus reports. Missing
	// entries report StatusUnknown.
	Statuses  map[string]scheduler.Status
	StatusErr error

	// SubmitErr, keyed by batch path, makes Submit fail for that batch.
	SubmitErr map[string]error
	// CancelErr makes every Cancel fail.
	CancelErr error

	nextJob   int
	Submitted map[string]string
	Cancelled []string
	Queries   []string
}

var _ scheduler.Gateway = (*Gateway)(nil)

func (g *Gateway) CountQueued(context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CountErr != nil {
		return 0, &scheduler.GatewayError{Op: "count queued", Err: g.CountErr}
	}
	return g.Queued, nil
}

func (g *Gateway) QueryStatus(_ context.Context, jobNumber string) (scheduler.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Queries = append(g.Queries, jobNumber)
	if g.StatusErr != nil {
		return scheduler.StatusUnknown, &scheduler.GatewayError{Op: "query status", Err: g.StatusErr}
	}
	if st, ok := g.Statuses[jobNumber]; ok {
		return st, nil
	}
	return scheduler.StatusUnknown, nil
}

func (g *Gateway) Submit(_ context.Context, batchPath string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.SubmitErr[batchPath]; err != nil {
		return "", &scheduler.SubmissionError{BatchPath: batchPath, Err: err}
	}
	g.nextJob++
	jobNumber := fmt.Sprintf("%d", 1000+g.nextJob)
	if g.Submitted == nil {
		g.Submitted = make(map[string]string)
	}
	g.Submitted[batchPath] = jobNumber
	g.Queued++
	return jobNumber, nil
}

func (g *Gateway) Cancel(_ context.Context, jobNumber string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return &scheduler.GatewayError{Op: "cancel", Err: g.CancelErr}
	}
	g.Cancelled = append(g.Cancelled, jobNumber)
	return nil
}

// SetStatus records the status QueryStatus reports for jobNumber.
func (g *Gateway) SetStatus(jobNumber string, st scheduler.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Statuses == nil {
		g.Statuses = make(map[string]scheduler.Status)
	}
	g.Statuses[jobNumber] = st
}
