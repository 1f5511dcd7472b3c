package containerhost

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"isol8/internal/ierr"
	"isol8/internal/logging"
)

// DockerHost implements Host over the Docker SDK, grounded on the
// teacher's DockerExecutor client setup (client.FromEnv +
// WithAPIVersionNegotiation) but restructured around long-lived
// containers exec'd into repeatedly instead of one-shot run-and-remove.
type DockerHost struct {
	cli *client.Client

	mu      sync.Mutex
	streams map[string]func()
}

// NewDockerHost dials the daemon at dockerHost (empty string uses the
// environment default, matching client.FromEnv's behavior).
func NewDockerHost(dockerHost string) (*DockerHost, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &ierr.HostError{Op: "dial", Err: err}
	}
	return &DockerHost{cli: cli, streams: make(map[string]func())}, nil
}

func (h *DockerHost) Create(ctx context.Context, spec CreateSpec) (string, error) {
	tmpfs := make(map[string]string, len(spec.Host.Tmpfs))
	for path, opts := range spec.Host.Tmpfs {
		tmpfs[path] = opts
	}

	netMode := container.NetworkMode("none")
	switch spec.NetworkMode {
	case "host":
		netMode = "host"
	case "filtered":
		netMode = "bridge"
	}
	if spec.DisableNetwork {
		netMode = "none"
	}

	capAdd := spec.Host.CapAdd
	if spec.NetworkMode == "filtered" {
		capAdd = append(append([]string{}, capAdd...), "NET_ADMIN")
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: spec.Host.ReadOnlyRootFS,
		Tmpfs:          tmpfs,
		SecurityOpt:    spec.Host.SecurityOpt,
		CapDrop:        spec.Host.CapDrop,
		CapAdd:         capAdd,
		NetworkMode:    netMode,
		Resources: container.Resources{
			Memory:     spec.Host.MemoryBytes,
			MemorySwap: spec.Host.MemoryBytes,
			NanoCPUs:   spec.Host.NanoCPUs,
			PidsLimit:  pidsLimitPtr(spec.Host.PidsLimit),
		},
		AutoRemove: false,
	}

	created, err := h.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkingDir,
		Env:             spec.Env,
		Labels:          spec.Labels,
		NetworkDisabled: spec.DisableNetwork,
		AttachStdout:    true,
		AttachStderr:    true,
	}, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", &ierr.HostError{Op: "create", Err: err}
	}
	return created.ID, nil
}

func (h *DockerHost) Start(ctx context.Context, id string) error {
	if err := h.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return &ierr.HostError{Op: "start", Err: err}
	}
	return nil
}

func (h *DockerHost) Exec(ctx context.Context, id string, spec ExecSpec) (string, *ExecStream, error) {
	created, err := h.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		User:         spec.User,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: spec.AttachStdout,
		AttachStderr: spec.AttachStderr,
		AttachStdin:  spec.AttachStdin,
	})
	if err != nil {
		return "", nil, &ierr.HostError{Op: "exec_create", Err: err}
	}

	att, err := h.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: false})
	if err != nil {
		return "", nil, &ierr.HostError{Op: "exec_attach", Err: err}
	}

	h.mu.Lock()
	h.streams[created.ID] = att.Close
	h.mu.Unlock()

	var writer io.WriteCloser
	if spec.AttachStdin {
		writer = att.Conn
	}

	return created.ID, &ExecStream{
		Reader: att.Reader,
		Writer: writer,
		Close:  att.Close,
	}, nil
}

func (h *DockerHost) ExecInspect(ctx context.Context, handleID string) (ExecInspection, error) {
	insp, err := h.cli.ContainerExecInspect(ctx, handleID)
	if err != nil {
		return ExecInspection{}, &ierr.HostError{Op: "exec_inspect", Err: err}
	}
	return ExecInspection{Running: insp.Running, ExitCode: insp.ExitCode}, nil
}

func (h *DockerHost) Stats(ctx context.Context, id string) (Stats, error) {
	resp, err := h.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return Stats{}, &ierr.HostError{Op: "stats", Err: err}
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return Stats{}, &ierr.HostError{Op: "stats_decode", Err: err}
	}

	var rx, tx int64
	for _, n := range raw.Networks {
		rx += int64(n.RxBytes)
		tx += int64(n.TxBytes)
	}

	return Stats{
		CPUTotalUsage:    raw.CPUStats.CPUUsage.TotalUsage,
		SystemCPUUsage:   raw.CPUStats.SystemUsage,
		OnlineCPUs:       uint64(raw.CPUStats.OnlineCPUs),
		MemoryUsageBytes: raw.MemoryStats.Usage,
		RxBytes:          rx,
		TxBytes:          tx,
	}, nil
}

func (h *DockerHost) PutArchive(ctx context.Context, id string, tarReader io.Reader, destDir string) error {
	if err := h.cli.CopyToContainer(ctx, id, destDir, tarReader, types.CopyToContainerOptions{}); err != nil {
		return &ierr.HostError{Op: "put_archive", Err: err}
	}
	return nil
}

func (h *DockerHost) GetArchive(ctx context.Context, id string, path string) (io.ReadCloser, error) {
	rc, _, err := h.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, &ierr.HostError{Op: "get_archive", Err: err}
	}
	return rc, nil
}

func (h *DockerHost) Remove(ctx context.Context, id string, force bool) error {
	if err := h.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return &ierr.HostError{Op: "remove", Err: err}
	}
	return nil
}

func (h *DockerHost) Stop(ctx context.Context, id string, graceSeconds int) error {
	timeout := graceSeconds
	if err := h.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return &ierr.HostError{Op: "stop", Err: err}
	}
	return nil
}

func (h *DockerHost) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	list, err := h.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, &ierr.HostError{Op: "list_containers", Err: err}
	}
	out := make([]ContainerSummary, 0, len(list))
	for _, c := range list {
		out = append(out, ContainerSummary{ID: c.ID, Image: c.Image, Labels: c.Labels})
	}
	return out, nil
}

func (h *DockerHost) ListImages(ctx context.Context, all bool) ([]ImageInfo, error) {
	list, err := h.cli.ImageList(ctx, image.ListOptions{All: all})
	if err != nil {
		return nil, &ierr.HostError{Op: "list_images", Err: err}
	}
	out := make([]ImageInfo, 0, len(list))
	for _, img := range list {
		out = append(out, ImageInfo{ID: img.ID, Tags: img.RepoTags, Labels: img.Labels})
	}
	return out, nil
}

func (h *DockerHost) GetImage(ctx context.Context, tag string) (ImageInfo, error) {
	insp, _, err := h.cli.ImageInspectWithRaw(ctx, tag)
	if err != nil {
		return ImageInfo{}, &ierr.NotFound{Kind: "image", Name: tag}
	}
	var labels map[string]string
	if insp.Config != nil {
		labels = insp.Config.Labels
	}
	return ImageInfo{ID: insp.ID, Tags: insp.RepoTags, Labels: labels}, nil
}

func (h *DockerHost) RemoveImage(ctx context.Context, id string) error {
	if _, err := h.cli.ImageRemove(ctx, id, image.RemoveOptions{Force: true}); err != nil {
		return &ierr.HostError{Op: "remove_image", Err: err}
	}
	return nil
}

func (h *DockerHost) BuildImage(ctx context.Context, spec BuildSpec) error {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	df := []byte(spec.Dockerfile)
	if err := tw.WriteHeader(&tar.Header{Name: "Dockerfile", Mode: 0o644, Size: int64(len(df))}); err != nil {
		return &ierr.HostError{Op: "build_tar", Err: err}
	}
	if _, err := tw.Write(df); err != nil {
		return &ierr.HostError{Op: "build_tar", Err: err}
	}
	if err := tw.Close(); err != nil {
		return &ierr.HostError{Op: "build_tar", Err: err}
	}

	resp, err := h.cli.ImageBuild(ctx, buf, types.ImageBuildOptions{
		Tags:       []string{spec.Tag},
		Dockerfile: "Dockerfile",
		Labels:     spec.Labels,
		Remove:     true,
	})
	if err != nil {
		return &ierr.HostError{Op: "build", Err: err}
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ierr.HostError{Op: "build_read", Err: err}
	}
	if strings.Contains(string(out), `"error"`) {
		logging.WithComponent("containerhost").Sugar().Warnw("image build reported an error in stream", "tag", spec.Tag)
		return &ierr.HostError{Op: "build", Err: fmt.Errorf("build stream reported an error, see logs for %s", spec.Tag)}
	}
	return nil
}

func (h *DockerHost) Close() error {
	h.mu.Lock()
	for _, closeFn := range h.streams {
		closeFn()
	}
	h.streams = map[string]func(){}
	h.mu.Unlock()
	return h.cli.Close()
}

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

func pidsLimitPtr(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

// present so callers needing a filters.Args for listing by label don't
// have to import docker's filters package themselves.
func LabelFilter(key, value string) filters.Args {
	return filters.NewArgs(filters.Arg("label", key+"="+value))
}
