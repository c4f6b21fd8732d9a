package batchstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	dialect = goqu.Dialect("sqlite3")

	batchTable = goqu.T("batch")
	jobTable   = goqu.T("job")
	paramTable = goqu.T("batch_param")

	batch_id        = goqu.I("batch.id")
	batch_path      = goqu.I("batch.path")
	batch_state     = goqu.I("batch.state")
	batch_jobNumber = goqu.I("batch.job_number")
	batch_note      = goqu.I("batch.note")
	batch_createdAt = goqu.I("batch.created_at")
	batch_updatedAt = goqu.I("batch.updated_at")
)

// ErrNotFound is returned when a batch id does not exist.
var ErrNotFound = errors.New("batch not found")

// Store is the durable record of batches, jobs and their parameters.
//
// Every update is committed on its own; there is no pass-wide transaction.
// Per-row progress is safe to resume from because every transition re-reads
// its candidates from the store.
type Store struct {
	db  *sql.DB
	gq  *goqu.Database
	now func() time.Time
}

// New wraps an opened and migrated database.
func New(db *sql.DB) *Store {
	return &Store{
		db:  db,
		gq:  goqu.New("sqlite3", db),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

type batchRow struct {
	ID        int64          `db:"id"`
	Path      string         `db:"path"`
	State     string         `db:"state"`
	JobNumber sql.NullString `db:"job_number"`
	Note      sql.NullString `db:"note"`
	CreatedAt string         `db:"created_at"`
	UpdatedAt string         `db:"updated_at"`
}

func (r batchRow) toBatch() Batch {
	return Batch{
		ID:        r.ID,
		Path:      r.Path,
		State:     State(r.State),
		JobNumber: r.JobNumber.String,
		Note:      r.Note.String,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type jobRow struct {
	BatchID int64          `db:"batch_id"`
	Index   int            `db:"job_index"`
	State   string         `db:"state"`
	Note    sql.NullString `db:"note"`
}

func batchColumns() []interface{} {
	return []interface{}{batch_id, batch_path, batch_state, batch_jobNumber, batch_note, batch_createdAt, batch_updatedAt}
}

// SelectBatches returns candidates for a transition.
func (s *Store) SelectBatches(ctx context.Context, sel Selection) ([]Batch, error) {
	var where []exp.Expression
	if len(sel.States) == 1 {
		where = append(where, batch_state.Eq(string(sel.States[0])))
	} else if len(sel.States) > 1 {
		states := make([]string, 0, len(sel.States))
		for _, st := range sel.States {
			states = append(states, string(st))
		}
		where = append(where, batch_state.In(states))
	}

	filterExprs, err := sel.Filter.expressions()
	if err != nil {
		return nil, err
	}
	where = append(where, filterExprs...)

	ds := s.gq.From(batchTable).Select(batchColumns()...)

	switch sel.Order {
	case OrderRandom:
		ds = ds.Order(goqu.L("RANDOM()").Asc())
	case OrderByID:
		if sel.ID <= 0 {
			return nil, fmt.Errorf("specific selection requires a batch id")
		}
		where = append(where, batch_id.Eq(sel.ID))
		ds = ds.Order(batch_id.Asc())
	default:
		ds = ds.Order(batch_id.Asc())
	}

	if len(where) > 0 {
		ds = ds.Where(where...)
	}
	if sel.Limit > 0 {
		ds = ds.Limit(uint(sel.Limit))
	}

	rows := make([]batchRow, 0)
	if err := ds.Prepared(true).ScanStructsContext(ctx, &rows); err != nil {
		return nil, storeErr("select batches", err)
	}

	out := make([]Batch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toBatch())
	}
	return out, nil
}

// GetBatch loads one batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	var row batchRow
	found, err := s.gq.From(batchTable).
		Select(batchColumns()...).
		Where(batch_id.Eq(id)).
		Prepared(true).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, storeErr("get batch", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	b := row.toBatch()
	return &b, nil
}

// ListJobs returns the jobs of a batch ordered by index.
func (s *Store) ListJobs(ctx context.Context, batchID int64) ([]Job, error) {
	rows := make([]jobRow, 0)
	err := s.gq.From(jobTable).
		Select(goqu.C("batch_id"), goqu.C("job_index"), goqu.C("state"), goqu.C("note")).
		Where(goqu.C("batch_id").Eq(batchID)).
		Order(goqu.C("job_index").Asc()).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}

	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, Job{BatchID: r.BatchID, Index: r.Index, State: State(r.State), Note: r.Note.String})
	}
	return out, nil
}

// ListParams returns the parameters recorded for a batch.
func (s *Store) ListParams(ctx context.Context, batchID int64) (map[string]float64, error) {
	type paramRow struct {
		Name  string  `db:"name"`
		Value float64 `db:"value"`
	}
	rows := make([]paramRow, 0)
	err := s.gq.From(paramTable).
		Select(goqu.C("name"), goqu.C("value")).
		Where(goqu.C("batch_id").Eq(batchID)).
		Order(goqu.C("name").Asc()).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, storeErr("list params", err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Value
	}
	return out, nil
}

// InsertBatch registers a batch directory and its jobs in state prepared.
func (s *Store) InsertBatch(ctx context.Context, nb NewBatch) (*Batch, error) {
	path := strings.TrimSpace(nb.Path)
	if path == "" {
		return nil, fmt.Errorf("batch path is required")
	}
	if nb.Jobs < 1 {
		return nil, fmt.Errorf("batch %s has no jobs", path)
	}
	for name := range nb.Params {
		if !paramNameRE.MatchString(name) {
			return nil, fmt.Errorf("invalid parameter name %q", name)
		}
	}

	now := s.timestamp()
	tx, err := s.gq.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Insert(batchTable).Rows(goqu.Record{
		"path":       path,
		"state":      string(StatePrepared),
		"created_at": now,
		"updated_at": now,
	}).Prepared(true).Executor().ExecContext(ctx)
	if err != nil {
		return nil, storeErr("insert batch", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("read batch id", err)
	}

	jobs := make([]interface{}, 0, nb.Jobs)
	for i := 0; i < nb.Jobs; i++ {
		jobs = append(jobs, goqu.Record{
			"batch_id":   id,
			"job_index":  i,
			"state":      string(StatePrepared),
			"updated_at": now,
		})
	}
	if _, err := tx.Insert(jobTable).Rows(jobs...).Prepared(true).Executor().ExecContext(ctx); err != nil {
		return nil, storeErr("insert jobs", err)
	}

	if len(nb.Params) > 0 {
		params := make([]interface{}, 0, len(nb.Params))
		for name, value := range nb.Params {
			params = append(params, goqu.Record{"batch_id": id, "name": name, "value": value})
		}
		if _, err := tx.Insert(paramTable).Rows(params...).Prepared(true).Executor().ExecContext(ctx); err != nil {
			return nil, storeErr("insert params", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit batch", err)
	}

	return &Batch{ID: id, Path: path, State: StatePrepared, CreatedAt: now, UpdatedAt: now}, nil
}

func (u BatchUpdate) record(now string) goqu.Record {
	rec := goqu.Record{"updated_at": now}
	if u.State != nil {
		rec["state"] = string(*u.State)
	}
	if u.JobNumber != nil {
		if *u.JobNumber == "" {
			rec["job_number"] = nil
		} else {
			rec["job_number"] = *u.JobNumber
		}
	}
	if u.Note != nil {
		rec["note"] = *u.Note
	}
	return rec
}

func (u JobUpdate) record(now string) goqu.Record {
	rec := goqu.Record{"updated_at": now}
	if u.State != nil {
		rec["state"] = string(*u.State)
	}
	if u.Note != nil {
		rec["note"] = *u.Note
	}
	return rec
}

// UpdateBatch applies a partial update to one batch and commits it.
func (s *Store) UpdateBatch(ctx context.Context, id int64, u BatchUpdate) error {
	res, err := s.gq.Update(batchTable).
		Set(u.record(s.timestamp())).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return storeErr("update batch", err)
	}
	return requireRow(res, fmt.Sprintf("batch %d", id))
}

// UpdateJob applies a partial update to one job and commits it.
func (s *Store) UpdateJob(ctx context.Context, batchID int64, index int, u JobUpdate) error {
	res, err := s.gq.Update(jobTable).
		Set(u.record(s.timestamp())).
		Where(goqu.C("batch_id").Eq(batchID), goqu.C("job_index").Eq(index)).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return storeErr("update job", err)
	}
	return requireRow(res, fmt.Sprintf("job %d/%d", batchID, index))
}

// UpdateJobs applies the same partial update to every job of a batch.
func (s *Store) UpdateJobs(ctx context.Context, batchID int64, u JobUpdate) error {
	_, err := s.gq.Update(jobTable).
		Set(u.record(s.timestamp())).
		Where(goqu.C("batch_id").Eq(batchID)).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return storeErr("update jobs", err)
	}
	return nil
}

// UpdateBatchAndJobs updates a batch and all of its jobs in one transaction.
// It is used where a batch-level fact (a job number, a cancellation) must
// never be visible without the matching job states.
func (s *Store) UpdateBatchAndJobs(ctx context.Context, id int64, bu BatchUpdate, ju JobUpdate) error {
	now := s.timestamp()
	tx, err := s.gq.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Update(batchTable).
		Set(bu.record(now)).
		Where(goqu.C("id").Eq(id)).
		Prepared(true).
		Executor().
		ExecContext(ctx)
	if err != nil {
		return storeErr("update batch", err)
	}
	if err := requireRow(res, fmt.Sprintf("batch %d", id)); err != nil {
		return err
	}

	if _, err := tx.Update(jobTable).
		Set(ju.record(now)).
		Where(goqu.C("batch_id").Eq(id)).
		Prepared(true).
		Executor().
		ExecContext(ctx); err != nil {
		return storeErr("update jobs", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

// CountByState returns the number of batches per state.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	type countRow struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	rows := make([]countRow, 0)
	err := s.gq.From(batchTable).
		Select(batch_state.As("state"), goqu.COUNT("*").As("n")).
		GroupBy(batch_state).
		Prepared(true).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, storeErr("count batches", err)
	}
	out := make(map[State]int, len(rows))
	for _, r := range rows {
		out[State(r.State)] = r.N
	}
	return out, nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return nil
}
