package batchstore

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a batch or job.
//
// NOTE: These values are persisted in the batch and job tables and are part
// of the stable on-disk contract.
type State string

const (
	StatePrepared   State = "prepared"
	StateInputed    State = "inputed"
	StateQueued     State = "queued"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateNetcdfized State = "netcdfized"
	StateArchived   State = "archived"
	StateHold       State = "hold"
	// StateTrashed keeps the historical "thrashed" spelling so databases
	// written by earlier tooling stay readable.
	StateTrashed State = "thrashed"
)

// AllStates lists every persisted state in lifecycle order.
var AllStates = []State{
	StatePrepared,
	StateInputed,
	StateQueued,
	StateSuccess,
	StateFailed,
	StateCancelled,
	StateNetcdfized,
	StateArchived,
	StateHold,
	StateTrashed,
}

// ParseState resolves a state name; "trashed" is accepted as an alias.
func ParseState(s string) (State, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "trashed" {
		return StateTrashed, nil
	}
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// HasJobNumber reports whether a batch in this state must carry a scheduler
// job number.
func (s State) HasJobNumber() bool {
	switch s {
	case StateQueued, StateSuccess, StateFailed, StateCancelled, StateNetcdfized, StateArchived:
		return true
	}
	return false
}

// Terminal reports whether no automated transition leaves this state.
func (s State) Terminal() bool {
	switch s {
	case StateArchived, StateCancelled, StateTrashed:
		return true
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// Batch is one row of the batch table.
type Batch struct {
	ID        int64  `json:"id"`
	Path      string `json:"path"`
	State     State  `json:"state"`
	JobNumber string `json:"job_number,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Job is one row of the job table.
type Job struct {
	BatchID int64  `json:"batch_id"`
	Index   int    `json:"job_index"`
	State   State  `json:"state"`
	Note    string `json:"note,omitempty"`
}

// NewBatch describes a batch directory being registered in state prepared.
type NewBatch struct {
	Path   string
	Jobs   int
	Params map[string]float64
}

// BatchUpdate is a partial update of a batch row. Nil fields are left as-is.
type BatchUpdate struct {
	State     *State
	JobNumber *string
	Note      *string
}

// JobUpdate is a partial update of a job row. Nil fields are left as-is.
type JobUpdate struct {
	State *State
	Note  *string
}

// Order selects how SelectBatches orders candidates.
type Order string

const (
	// OrderInsertion returns batches in id order.
	OrderInsertion Order = "ordered"
	// OrderRandom shuffles candidates, spreading work across a parameter scan.
	OrderRandom Order = "random"
	// OrderByID restricts the selection to Selection.ID.
	OrderByID Order = "specific"
)

// ParseOrder resolves an order name.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrderInsertion, "insertion":
		return OrderInsertion, nil
	case OrderRandom:
		return OrderRandom, nil
	case OrderByID, "id":
		return OrderByID, nil
	}
	return "", fmt.Errorf("unknown selection order %q (expected ordered, random, or specific)", s)
}

// Selection scopes a SelectBatches call.
type Selection struct {
	// States restricts candidates to these states; empty means any state.
	States []State
	Order  Order
	// Limit bounds the result size; zero means unbounded.
	Limit int
	// ID is required for OrderByID.
	ID int64
	// Filter is an operator-supplied predicate list joined with AND.
	Filter Filter
}

// StatePtr returns a pointer to s for use in update structs.
func StatePtr(s State) *State { return &s }

// StringPtr returns a pointer to s for use in update structs.
func StringPtr(s string) *string { return &s }
