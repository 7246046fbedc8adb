package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Write("ok")
	m.Write("ok")
	m.Write("Exhausted")
	m.Dropped()
	m.PersistFailed()
	m.Pruned()
	m.LedgerCall("spend", 20*time.Millisecond, nil)
	m.LedgerCall("query", time.Second, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WritesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WritesTotal.WithLabelValues("Exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LivenessPruned))
	assert.Equal(t, 2, testutil.CollectAndCount(m.LedgerSeconds))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.Write("ok")
		m.LedgerCall("spend", time.Millisecond, nil)
	})
}
