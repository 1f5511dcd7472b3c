package containerhost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"isol8/internal/ierr"
)

// FakeHost is an in-memory Host used by package tests that exercise the
// pool and orchestrator without a real daemon. It tracks containers and
// exec handles well enough to exercise state-machine and pool-accounting
// logic, and lets a test script canned exec output/exit codes per call.
type FakeHost struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int64
	nextExec   int64

	// ExecResponder, if set, supplies stdout/stderr/exitCode for every
	// Exec call in order; defaults to an empty success if absent.
	ExecResponder func(id string, spec ExecSpec) (stdout, stderr string, exitCode int)

	// Removed/Stopped record calls for assertions.
	Removed []string
	Stopped []string
}

type fakeContainer struct {
	spec    CreateSpec
	started bool
	files   map[string][]byte
	execs   map[string]*fakeExec
}

type fakeExec struct {
	exitCode int
	done     int32
}

// NewFakeHost constructs an empty fake.
func NewFakeHost() *FakeHost {
	return &FakeHost{containers: make(map[string]*fakeContainer)}
}

func (f *FakeHost) Create(ctx context.Context, spec CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-container-%d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec, files: map[string][]byte{}, execs: map[string]*fakeExec{}}
	return id, nil
}

func (f *FakeHost) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return &ierr.NotFound{Kind: "container", Name: id}
	}
	c.started = true
	return nil
}

func (f *FakeHost) Exec(ctx context.Context, id string, spec ExecSpec) (string, *ExecStream, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	if !ok {
		f.mu.Unlock()
		return "", nil, &ierr.NotFound{Kind: "container", Name: id}
	}
	f.nextExec++
	handle := fmt.Sprintf("fake-exec-%d", f.nextExec)
	responder := f.ExecResponder
	f.mu.Unlock()

	var stdout, stderr string
	exitCode := 0
	if responder != nil {
		stdout, stderr, exitCode = responder(id, spec)
	}

	f.mu.Lock()
	c.execs[handle] = &fakeExec{exitCode: exitCode, done: 1}
	f.mu.Unlock()

	var buf bytes.Buffer
	writeDockerFrame(&buf, 1, []byte(stdout))
	writeDockerFrame(&buf, 2, []byte(stderr))

	return handle, &ExecStream{Reader: &buf, Close: func() {}}, nil
}

func (f *FakeHost) ExecInspect(ctx context.Context, handleID string) (ExecInspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if e, ok := c.execs[handleID]; ok {
			return ExecInspection{Running: atomic.LoadInt32(&e.done) == 0, ExitCode: e.exitCode}, nil
		}
	}
	return ExecInspection{}, &ierr.NotFound{Kind: "exec", Name: handleID}
}

func (f *FakeHost) Stats(ctx context.Context, id string) (Stats, error) {
	return Stats{CPUTotalUsage: 100, SystemCPUUsage: 1000, OnlineCPUs: 1, MemoryUsageBytes: 1 << 20}, nil
}

func (f *FakeHost) PutArchive(ctx context.Context, id string, tarReader io.Reader, destDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return &ierr.NotFound{Kind: "container", Name: id}
	}
	_, err := io.Copy(io.Discard, tarReader)
	return err
}

func (f *FakeHost) GetArchive(ctx context.Context, id string, path string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *FakeHost) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.Removed = append(f.Removed, id)
	return nil
}

func (f *FakeHost) Stop(ctx context.Context, id string, graceSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, id)
	return nil
}

func (f *FakeHost) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ContainerSummary, 0, len(f.containers))
	for id, c := range f.containers {
		out = append(out, ContainerSummary{ID: id, Image: c.spec.Image, Labels: c.spec.Labels})
	}
	return out, nil
}

func (f *FakeHost) ListImages(ctx context.Context, all bool) ([]ImageInfo, error) { return nil, nil }

func (f *FakeHost) GetImage(ctx context.Context, tag string) (ImageInfo, error) {
	return ImageInfo{}, &ierr.NotFound{Kind: "image", Name: tag}
}

func (f *FakeHost) BuildImage(ctx context.Context, spec BuildSpec) error { return nil }

func (f *FakeHost) RemoveImage(ctx context.Context, id string) error { return nil }

func (f *FakeHost) Close() error { return nil }

// ContainerCount reports how many containers are currently tracked —
// used by pool tests to assert nothing leaked (spec.md invariant 1).
func (f *FakeHost) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func writeDockerFrame(buf *bytes.Buffer, streamType byte, payload []byte) {
	if len(payload) == 0 {
		return
	}
	header := make([]byte, 8)
	header[0] = streamType
	size := uint32(len(payload))
	header[4] = byte(size >> 24)
	header[5] = byte(size >> 16)
	header[6] = byte(size >> 8)
	header[7] = byte(size)
	buf.Write(header)
	buf.Write(payload)
}
