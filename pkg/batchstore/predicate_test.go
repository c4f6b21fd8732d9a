package batchstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePredicate(t *testing.T) {
	tests := []struct {
		raw  string
		want Predicate
	}{
		{"Ti_Te_rel<=0.5", Predicate{Field: "Ti_Te_rel", Op: OpLte, Value: "0.5"}},
		{"Zeff >= 1", Predicate{Field: "Zeff", Op: OpGte, Value: "1"}},
		{"state!=queued", Predicate{Field: "state", Op: OpNe, Value: "queued"}},
		{"state==hold", Predicate{Field: "state", Op: OpEq, Value: "hold"}},
		{"id>10", Predicate{Field: "id", Op: OpGt, Value: "10"}},
		{"path~*/scan=07/*", Predicate{Field: "path", Op: OpLike, Value: "*/scan=07/*"}},
		{`note="node failure"`, Predicate{Field: "note", Op: OpEq, Value: "node failure"}},
		{"param.q<3", Predicate{Field: "param.q", Op: OpLt, Value: "3"}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePredicate(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePredicate_Rejects(t *testing.T) {
	bad := []string{
		"",
		"nooperator",
		"=5",
		"id=abc",
		"id~1*",
		"Ti_Te_rel=high",
		"Ti_Te_rel~0.*",
		"state<queued",
		"state=bogus",
		"1=1",
		"path;DROP=1",
		"batch.id=1",
	}
	for _, raw := range bad {
		t.Run(raw, func(t *testing.T) {
			_, err := ParsePredicate(raw)
			require.ErrorIs(t, err, ErrInvalidPredicate)
		})
	}
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter([]string{"Ti_Te_rel<=0.5", " ", "state=prepared"})
	require.NoError(t, err)
	require.Len(t, f, 2)
	assert.Equal(t, "Ti_Te_rel<=0.5 AND state=prepared", f.String())

	_, err = ParseFilter([]string{"ok=1", "bad"})
	require.Error(t, err)
}

func TestFilterExpressions_SQLIsParameterised(t *testing.T) {
	f, err := ParseFilter([]string{"Ti_Te_rel<=0.5", "path~/scan/*"})
	require.NoError(t, err)

	exprs, err := f.expressions()
	require.NoError(t, err)

	sqlText, args, err := dialect.From(batchTable).Select(batch_id).Where(exprs...).Prepared(true).ToSQL()
	require.NoError(t, err)
	assert.NotContains(t, sqlText, "0.5")
	assert.NotContains(t, sqlText, "/scan/")
	assert.Contains(t, sqlText, "batch_param")
	assert.Equal(t, []interface{}{"Ti_Te_rel", 0.5, "/scan/%"}, args)
}

func TestParseState(t *testing.T) {
	st, err := ParseState("trashed")
	require.NoError(t, err)
	assert.Equal(t, StateTrashed, st)

	st, err = ParseState(" Queued ")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st)

	_, err = ParseState("running")
	require.Error(t, err)
}

func TestState_HasJobNumber(t *testing.T) {
	want := map[State]bool{
		StatePrepared:   false,
		StateInputed:    false,
		StateQueued:     true,
		StateSuccess:    true,
		StateFailed:     true,
		StateCancelled:  true,
		StateNetcdfized: true,
		StateArchived:   true,
		StateHold:       false,
		StateTrashed:    false,
	}
	for st, has := range want {
		assert.Equal(t, has, st.HasJobNumber(), st)
	}
}

func TestParseOrder(t *testing.T) {
	o, err := ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderInsertion, o)

	o, err = ParseOrder("random")
	require.NoError(t, err)
	assert.Equal(t, OrderRandom, o)

	o, err = ParseOrder("specific")
	require.NoError(t, err)
	assert.Equal(t, OrderByID, o)

	_, err = ParseOrder("newest")
	require.Error(t, err)
}
