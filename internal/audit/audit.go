// Package audit computes the resource/security accounting of spec.md
// §4.6.11 and builds the AuditRecord of §6.4. Grounded on the teacher's
// internal/sandbox/v2/executor.go stats-sampling (ContainerStatsOneShot
// around a run) generalized from a single post-run sample into the
// before/after delta the spec requires, and on internal/metrics/metrics.go
// for the CPU-percent formula's shape (delta-over-delta scaled by core
// count).
package audit

import (
	"context"
	"time"

	"isol8/internal/containerhost"
	"isol8/internal/model"
)

// Sampler snapshots container stats. Exists so the orchestrator's before/
// after calls are one line each and trivially fakeable in tests.
type Sampler struct {
	host containerhost.Host
}

func NewSampler(host containerhost.Host) *Sampler {
	return &Sampler{host: host}
}

// Sample reads one Stats point. A failed sample (container gone, daemon
// hiccup) yields a zero Stats rather than an error — accounting is
// best-effort and must never fail the execution it is measuring.
func (s *Sampler) Sample(ctx context.Context, containerID string) containerhost.Stats {
	stats, err := s.host.Stats(ctx, containerID)
	if err != nil {
		return containerhost.Stats{}
	}
	return stats
}

// Usage computes the delta between a before/after stats pair per spec.md
// §4.6.11: CPU percent from (cpuDelta/systemDelta)*numCores*100, memory
// from the current (after) reading, network bytes as the after-before
// difference.
func Usage(before, after containerhost.Stats) model.ResourceUsage {
	cpuDelta := subUint64(after.CPUTotalUsage, before.CPUTotalUsage)
	systemDelta := subUint64(after.SystemCPUUsage, before.SystemCPUUsage)

	var cpuPercent float64
	if systemDelta > 0 && after.OnlineCPUs > 0 {
		cpuPercent = (float64(cpuDelta) / float64(systemDelta)) * float64(after.OnlineCPUs) * 100
	}

	return model.ResourceUsage{
		CPUPercent:     cpuPercent,
		MemoryMiB:      float64(after.MemoryUsageBytes) / (1024 * 1024),
		NetworkRxBytes: after.RxBytes - before.RxBytes,
		NetworkTxBytes: after.TxBytes - before.TxBytes,
	}
}

func subUint64(a, b uint64) uint64 {
	if a <= b {
		return 0
	}
	return a - b
}

// Recorder builds and emits AuditRecords, applying the privacy filters of
// spec.md §6.4 (includeCode/includeOutput) before handing the record to
// the configured Sink. A nil Sink makes Record a no-op so callers never
// need to check cfg.Enabled themselves.
type Recorder struct {
	sink model.Sink
	cfg  model.AuditConfig
}

func NewRecorder(sink model.Sink, cfg model.AuditConfig) *Recorder {
	return &Recorder{sink: sink, cfg: cfg}
}

// Input bundles everything the orchestrator has on hand at the end of one
// execution, prior to privacy filtering.
type Input struct {
	ExecutionID    string
	Runtime        model.RuntimeName
	CodeHash       string
	ContainerID    string
	ExitCode       int
	DurationMs     int64
	Code           string
	Stdout         string
	Stderr         string
	Metadata       map[string]string
	ResourceUsage  *model.ResourceUsage
	SecurityEvents []model.NetworkLogEntry
	NetworkLogs    []model.NetworkLogEntry
}

// Record emits one AuditRecord if a sink is configured and audit is
// enabled. Per spec.md §5, the core calls the sink at most once per
// execution.
func (r *Recorder) Record(in Input) {
	if r == nil || r.sink == nil || !r.cfg.Enabled {
		return
	}

	rec := model.AuditRecord{
		ExecutionID:    in.ExecutionID,
		UserID:         in.Metadata["userId"],
		Timestamp:      time.Now(),
		Runtime:        in.Runtime,
		CodeHash:       in.CodeHash,
		ContainerID:    in.ContainerID,
		ExitCode:       in.ExitCode,
		DurationMs:     in.DurationMs,
		ResourceUsage:  in.ResourceUsage,
		SecurityEvents: in.SecurityEvents,
		NetworkLogs:    in.NetworkLogs,
		Metadata:       in.Metadata,
	}
	if r.cfg.IncludeCode {
		rec.Code = in.Code
	}
	if r.cfg.IncludeOutput {
		rec.Stdout = in.Stdout
		rec.Stderr = in.Stderr
	}

	r.sink.Record(rec)
}
