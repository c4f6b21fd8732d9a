package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/lifecycle"
)

func gather(t *testing.T, c *Collector) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestCollector_SetStateCounts(t *testing.T) {
	c := NewCollector()
	c.SetStateCounts(map[batchstore.State]int{
		batchstore.StateQueued:   3,
		batchstore.StateArchived: 7,
	})

	fam := gather(t, c)["batchkeeper_batches"]
	require.NotNil(t, fam)
	assert.Len(t, fam.GetMetric(), len(batchstore.AllStates))

	got := make(map[string]float64)
	for _, m := range fam.GetMetric() {
		got[labelValue(m, "state")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, 3.0, got["queued"])
	assert.Equal(t, 7.0, got["archived"])
	assert.Equal(t, 0.0, got["prepared"])
}

func TestCollector_ObservePass(t *testing.T) {
	c := NewCollector()
	start := time.Unix(1_700_000_000, 0)
	c.ObservePass("ok", start, start.Add(90*time.Second))
	c.SetCapacity(4)
	c.LockContended()

	fams := gather(t, c)
	assert.Equal(t, uint64(1), fams["batchkeeper_pass_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 1.0, fams["batchkeeper_passes_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, float64(start.Add(90*time.Second).Unix()), fams["batchkeeper_last_pass_timestamp_seconds"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 4.0, fams["batchkeeper_scheduler_capacity"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, fams["batchkeeper_lock_contended_total"].GetMetric()[0].GetCounter().GetValue())
}

func TestCollector_ObserveReportNil(t *testing.T) {
	c := NewCollector()
	assert.NotPanics(t, func() { c.ObserveReport(nil) })
	c.ObserveReport(lifecycle.NewReport())
	assert.Nil(t, gather(t, c)["batchkeeper_transition_batches_total"])
}

func TestCollector_HandlerAndTextfile(t *testing.T) {
	c := NewCollector()
	c.SetCapacity(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "batchkeeper_scheduler_capacity 2")

	path := filepath.Join(t.TempDir(), "batchkeeper.prom")
	require.NoError(t, c.WriteToTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "batchkeeper_scheduler_capacity 2"))
}
