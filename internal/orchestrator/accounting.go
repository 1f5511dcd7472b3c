package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"isol8/internal/audit"
	"isol8/internal/containerhost"
	"isol8/internal/model"
	"isol8/internal/proxylog"
)

// recordAudit implements spec.md §4.6.11: differences the before/after
// stats samples, reads the proxy's JSONL files under filtered networking,
// and hands the assembled record to the configured sink. A no-op when no
// sink was wired via SetAuditSink.
func (o *Orchestrator) recordAudit(ctx context.Context, executionID, containerID string, req model.ExecutionRequest, before containerhost.Stats, exitCode int, durationMs int64, stdout, stderr string) model.ResourceUsage {
	after := o.sampler.Sample(ctx, containerID)
	usage := audit.Usage(before, after)

	if o.auditRecorder == nil {
		return usage
	}

	var securityEvents, networkLogs []model.NetworkLogEntry
	if o.cfg.Network == model.NetworkFiltered {
		securityEvents, _ = proxylog.Read(ctx, o.host, containerID, proxylog.SecurityEventsPath)
		networkLogs, _ = proxylog.Read(ctx, o.host, containerID, proxylog.NetworkLogPath)
	}

	o.auditRecorder.Record(audit.Input{
		ExecutionID:    executionID,
		Runtime:        req.Runtime,
		CodeHash:       codeHashFor(req),
		ContainerID:    containerID,
		ExitCode:       exitCode,
		DurationMs:     durationMs,
		Code:           req.Code,
		Stdout:         stdout,
		Stderr:         stderr,
		Metadata:       req.Metadata,
		ResourceUsage:  &usage,
		SecurityEvents: securityEvents,
		NetworkLogs:    networkLogs,
	})
	return usage
}

// codeHashFor returns the caller-supplied hash of fetched code, or a
// freshly computed hash of the literal code actually executed (spec.md
// §6.4: "codeHash (SHA-256 of the code actually executed)").
func codeHashFor(req model.ExecutionRequest) string {
	if req.CodeHash != "" {
		return req.CodeHash
	}
	sum := sha256.Sum256([]byte(req.Code))
	return hex.EncodeToString(sum[:])
}
