package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/batchkeeper/pkg/lifecycle"
)

func reconcileReport() *lifecycle.Report {
	rep := lifecycle.NewReport()
	rep.Counts[lifecycle.TransitionReconcile] = &lifecycle.Counts{Selected: 3, Unchanged: 3}
	rep.NotDone = 3
	rep.Unknown = 2
	rep.UnknownBatches = []int64{4, 9}
	return rep
}

func TestWriteReport_ListsUnknownStatusBatches(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, reconcileReport(), false))

	out := buf.String()
	assert.Contains(t, out, "not_done=3 unknown_status=2")
	assert.Contains(t, out, "unknown_status batches: 4,9")
}

func TestWriteReport_JSONCarriesUnknownBatches(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, reconcileReport(), true))

	var got struct {
		Unknown        int     `json:"unknown"`
		UnknownBatches []int64 `json:"unknown_batches"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 2, got.Unknown)
	assert.Equal(t, []int64{4, 9}, got.UnknownBatches)
}

func TestWriteReport_NoUnknownLineWithoutUnknownBatches(t *testing.T) {
	rep := lifecycle.NewReport()
	rep.Counts[lifecycle.TransitionReconcile] = &lifecycle.Counts{Selected: 1, Advanced: 1}

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, rep, false))
	assert.Contains(t, buf.String(), "not_done=0 unknown_status=0")
	assert.NotContains(t, buf.String(), "unknown_status batches")
}
