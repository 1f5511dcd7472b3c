package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetReturnsSameSingletonAcrossCalls(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecordExecutionIncrementsCounterAndObservesDuration(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "success"))
	m.RecordExecution("python", "success", 10*time.Millisecond)
	after := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "success"))
	assert.Equal(t, before+1, after)
}

func TestRecordHTTPRequestIncrementsCounter(t *testing.T) {
	m := Get()
	before := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/execute", "POST", "2xx"))
	m.RecordHTTPRequest("/execute", "POST", "2xx", 5*time.Millisecond)
	after := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("/execute", "POST", "2xx"))
	assert.Equal(t, before+1, after)
}
