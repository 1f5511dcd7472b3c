// Package containerhost implements the Container Host Adapter (spec.md
// §4.2): the minimal container-daemon surface the orchestrator needs,
// grounded on the teacher's internal/sandbox/v2/executor.go DockerExecutor
// (ContainerCreate/Start/Wait/Kill/Logs via the Docker SDK), generalized
// from the teacher's one-shot "run and remove" containers to the spec's
// durable "create once, exec many times" sandbox containers.
package containerhost

import (
	"context"
	"io"

	"isol8/internal/model"
)

// CreateSpec describes the container to create. The entry command is
// always "sleep infinity" by construction in the orchestrator — the
// container is a durable shell the orchestrator execs into, never a
// one-shot "run this command" container.
type CreateSpec struct {
	Image           string
	Cmd             []string
	WorkingDir      string
	Env             []string
	DisableNetwork  bool
	NetworkMode     model.NetworkMode
	Labels          map[string]string
	Host            HostConfig
}

// HostConfig is the composite host-level configuration applied to every
// sandbox container (spec.md §4.6.2).
type HostConfig struct {
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
	ReadOnlyRootFS bool
	Tmpfs          map[string]string // mount path -> mount options string
	SecurityOpt    []string
	CapDrop        []string
	CapAdd         []string
}

// ExecSpec describes a command to run inside an already-running sandbox
// container, attached for output collection.
type ExecSpec struct {
	Cmd          []string
	Env          []string
	User         string
	WorkingDir   string
	AttachStdout bool
	AttachStderr bool
	AttachStdin  bool
}

// ExecStream is the live attachment returned by Exec: Reader multiplexes
// stdout/stderr in the Docker-framed format the caller demultiplexes with
// stdcopy; Writer, when non-nil, is the process's stdin.
type ExecStream struct {
	Reader io.Reader
	Writer io.WriteCloser
	Close  func()
}

// ExecInspection reports whether an exec handle is still running and, once
// finished, its exit code.
type ExecInspection struct {
	Running  bool
	ExitCode int
}

// Stats is a point-in-time resource reading (spec.md §4.6.11); the
// orchestrator samples before and after user execution and differences
// the two.
type Stats struct {
	CPUTotalUsage   uint64
	SystemCPUUsage  uint64
	OnlineCPUs      uint64
	MemoryUsageBytes uint64
	RxBytes         int64
	TxBytes         int64
}

// ImageInfo is the subset of image metadata the orchestrator's image
// resolution cache needs.
type ImageInfo struct {
	ID     string
	Tags   []string
	Labels map[string]string
}

// ContainerSummary is the subset of container listing data the cleanup
// utilities need (spec.md §6.1 cleanupContainers).
type ContainerSummary struct {
	ID     string
	Image  string
	Labels map[string]string
}

// BuildSpec describes an image build (used only by the custom-dependency
// image cache, spec.md §4.6.1).
type BuildSpec struct {
	Tag        string
	Dockerfile string // Dockerfile content
	Labels     map[string]string
}

// Host is the container daemon surface the orchestrator and pool depend
// on. DockerHost is the only production implementation; tests use an
// in-memory fake.
type Host interface {
	Create(ctx context.Context, spec CreateSpec) (containerID string, err error)
	Start(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, spec ExecSpec) (handle string, stream *ExecStream, err error)
	ExecInspect(ctx context.Context, handleID string) (ExecInspection, error)
	Stats(ctx context.Context, id string) (Stats, error)
	PutArchive(ctx context.Context, id string, tar io.Reader, destDir string) error
	GetArchive(ctx context.Context, id string, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, id string, force bool) error
	Stop(ctx context.Context, id string, graceSeconds int) error
	ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error)
	ListImages(ctx context.Context, all bool) ([]ImageInfo, error)
	GetImage(ctx context.Context, tag string) (ImageInfo, error)
	BuildImage(ctx context.Context, spec BuildSpec) error
	RemoveImage(ctx context.Context, id string) error
	Close() error
}
