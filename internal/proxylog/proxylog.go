// Package proxylog reads the JSONL security-event and network-log files
// written by the in-container proxy under filtered networking (spec.md
// §6.3, §4.6.11). Reading is plain line-delimited json.Unmarshal, grounded
// on the pack's jsonl-scanning convention (theRebelliousNerd-codenerd's
// swebench/instance.go reads its dataset the same way: bufio.Scanner plus
// one json.Unmarshal per line).
package proxylog

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"isol8/internal/containerhost"
	"isol8/internal/model"
)

// Well-known in-container paths the proxy contract (spec.md §6.3) writes
// to. Both live under the sandbox tmpfs so they vanish with the container.
const (
	SecurityEventsPath = "/sandbox/.isol8/security-events.jsonl"
	NetworkLogPath     = "/sandbox/.isol8/network-log.jsonl"
)

type rawEntry struct {
	Action     string  `json:"action"`
	Host       string  `json:"host"`
	Method     string  `json:"method"`
	Path       *string `json:"path"`
	DurationMs int64   `json:"durationMs"`
	Timestamp  string  `json:"timestamp"`
}

// Read fetches and parses one JSONL file from the container via the host's
// GetArchive, tolerating a missing file as "no entries" since a clean
// execution with no network activity never creates one.
func Read(ctx context.Context, host containerhost.Host, containerID, path string) ([]model.NetworkLogEntry, error) {
	rc, err := host.GetArchive(ctx, containerID, path)
	if err != nil {
		return nil, nil
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, nil
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, nil
	}
	return Parse(data)
}

// Parse decodes raw JSONL bytes into NetworkLogEntry values. One malformed
// line is skipped rather than aborting the whole file, so a single
// truncated trailing record (e.g. the container was killed mid-write)
// never drops the rest of the audit trail.
func Parse(data []byte) ([]model.NetworkLogEntry, error) {
	var entries []model.NetworkLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw rawEntry
		if err := json.Unmarshal(line, &raw); err != nil {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, raw.Timestamp)
		entries = append(entries, model.NetworkLogEntry{
			Action:     raw.Action,
			Host:       raw.Host,
			Method:     raw.Method,
			Path:       raw.Path,
			DurationMs: raw.DurationMs,
			Timestamp:  ts,
		})
	}
	return entries, scanner.Err()
}
