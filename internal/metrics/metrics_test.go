package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kilupskalvis/shardkeep/internal/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCollector(t *testing.T) {
	r := tasks.NewRegistry("n1", nil)
	_, err := r.Register(tasks.Request{Action: "plain"})
	require.NoError(t, err)
	ct, err := r.RegisterCancellable(tasks.Request{Action: "c"}, nil)
	require.NoError(t, err)
	_, err = r.RegisterCancellable(tasks.Request{Action: "c"}, nil)
	require.NoError(t, err)
	r.Cancel(ct, "stop", nil)
	r.SetBan(tasks.TaskID{NodeID: "n2", ID: 1}, "x")

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewTaskCollector(r)))
	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "cancellable" {
					key += "/" + lp.GetValue()
				}
			}
			values[key] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		"shardkeep_tasks_bans":              1,
		"shardkeep_tasks_cancelled_running": 1,
		"shardkeep_tasks_running/false":     1,
		"shardkeep_tasks_running/true":      2,
	}, values)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	CancelOutcomes.WithLabelValues("cancelled_no_children").Inc()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `shardkeep_tasks_cancel_outcomes{outcome="cancelled_no_children"}`)
}
