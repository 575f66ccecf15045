package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("account:notify").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("account:notify").End(boom), boom)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("account:notify", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("account:notify", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("account:notify")))
}

func TestAddNotification(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddNotification("account.approved")
	m.AddNotification("account.approved")
	m.AddNotification("")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues("account.approved")))
}

func TestNilMetricsTrackerPassesErrorThrough(t *testing.T) {
	var m *Metrics
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("x").End(boom), boom)
	m.AddNotification("account.approved")
	m.SetPendingApprovals(4)
}

func TestSetPendingApprovals(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetPendingApprovals(4)
	m.SetPendingApprovals(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pending))
}
