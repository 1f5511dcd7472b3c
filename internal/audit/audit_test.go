package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"isol8/internal/containerhost"
	"isol8/internal/model"
)

func TestUsageComputesCPUPercentFromDeltas(t *testing.T) {
	before := containerhost.Stats{CPUTotalUsage: 1000, SystemCPUUsage: 10000, OnlineCPUs: 2, MemoryUsageBytes: 1 << 20, RxBytes: 100, TxBytes: 50}
	after := containerhost.Stats{CPUTotalUsage: 1500, SystemCPUUsage: 10500, OnlineCPUs: 2, MemoryUsageBytes: 2 << 20, RxBytes: 400, TxBytes: 90}

	usage := Usage(before, after)

	assert.InDelta(t, 200.0, usage.CPUPercent, 0.01) // (500/500)*2*100
	assert.InDelta(t, 2.0, usage.MemoryMiB, 0.01)
	assert.Equal(t, int64(300), usage.NetworkRxBytes)
	assert.Equal(t, int64(40), usage.NetworkTxBytes)
}

func TestUsageZeroSystemDeltaYieldsZeroPercent(t *testing.T) {
	before := containerhost.Stats{CPUTotalUsage: 1000, SystemCPUUsage: 5000}
	after := containerhost.Stats{CPUTotalUsage: 1000, SystemCPUUsage: 5000}

	usage := Usage(before, after)

	assert.Equal(t, 0.0, usage.CPUPercent)
}

type fakeSink struct {
	records []model.AuditRecord
}

func (f *fakeSink) Record(r model.AuditRecord) { f.records = append(f.records, r) }

func TestRecorderOmitsCodeAndOutputByDefault(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, model.AuditConfig{Enabled: true})

	r.Record(Input{
		ExecutionID: "exec-1",
		Code:        "print(1)",
		Stdout:      "1\n",
		Metadata:    map[string]string{"userId": "u1"},
	})

	require := sink.records
	assert.Len(t, require, 1)
	assert.Equal(t, "", require[0].Code)
	assert.Equal(t, "", require[0].Stdout)
	assert.Equal(t, "u1", require[0].UserID)
}

func TestRecorderIncludesCodeAndOutputWhenConfigured(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, model.AuditConfig{Enabled: true, IncludeCode: true, IncludeOutput: true})

	r.Record(Input{ExecutionID: "exec-2", Code: "print(1)", Stdout: "1\n", Stderr: "warn\n"})

	assert.Equal(t, "print(1)", sink.records[0].Code)
	assert.Equal(t, "1\n", sink.records[0].Stdout)
	assert.Equal(t, "warn\n", sink.records[0].Stderr)
}

func TestRecorderNoOpWhenDisabled(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, model.AuditConfig{Enabled: false})

	r.Record(Input{ExecutionID: "exec-3"})

	assert.Empty(t, sink.records)
}

func TestRecorderNoOpWithNilSink(t *testing.T) {
	r := NewRecorder(nil, model.AuditConfig{Enabled: true})
	assert.NotPanics(t, func() { r.Record(Input{ExecutionID: "exec-4"}) })
}
