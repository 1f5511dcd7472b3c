package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"isol8/internal/containerhost"
	"isol8/internal/ierr"
)

const proxyStartupTimeout = 5 * time.Second

// bootstrapFilteredNetwork implements spec.md §4.6.3: starts the
// in-container proxy in the background, polls until it accepts
// connections, then installs packet-filter OUTPUT rules as root.
func (o *Orchestrator) bootstrapFilteredNetwork(ctx context.Context, containerID string) error {
	const startScript = "nohup isol8-proxy >/tmp/proxy.log 2>&1 & disown"
	if err := o.execAsRoot(ctx, containerID, startScript); err != nil {
		return &ierr.HostError{Op: "proxy_start", Err: err}
	}

	deadline := time.Now().Add(proxyStartupTimeout)
	// nc -z is a busybox applet present on every base image; the ash
	// shell used by the bash/deno images has no /dev/tcp redirection.
	poll := fmt.Sprintf("nc -z 127.0.0.1 %s", proxyPort)
	for {
		if err := o.execAsRoot(ctx, containerID, poll); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return &ierr.ProxyStartupTimeout{ContainerID: containerID, Waited: proxyStartupTimeout.String()}
		}
		time.Sleep(100 * time.Millisecond)
	}

	rules := []string{
		"iptables -A OUTPUT -o lo -j ACCEPT",
		"iptables -A OUTPUT -m state --state ESTABLISHED,RELATED -j ACCEPT",
		fmt.Sprintf("iptables -A OUTPUT -m owner --uid-owner %s -d 127.0.0.1 -p tcp --dport %s -j ACCEPT", sandboxUID, proxyPort),
		fmt.Sprintf("iptables -A OUTPUT -m owner --uid-owner %s -j DROP", sandboxUID),
	}
	for _, rule := range rules {
		if err := o.execAsRoot(ctx, containerID, rule); err != nil {
			return &ierr.HostError{Op: "packet_filter_setup", Err: err}
		}
	}
	return nil
}

func (o *Orchestrator) execAsRoot(ctx context.Context, containerID, script string) error {
	handle, stream, err := o.host.Exec(ctx, containerID, containerhost.ExecSpec{
		Cmd: []string{"sh", "-c", script}, User: "0", WorkingDir: sandboxDir, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return err
	}
	defer stream.Close()
	var out, errOut bytes.Buffer
	_, _ = stdcopy.StdCopy(&out, &errOut, stream.Reader)

	insp, err := o.host.ExecInspect(ctx, handle)
	if err != nil {
		return err
	}
	if insp.ExitCode != 0 {
		return fmt.Errorf("exited %d: %s", insp.ExitCode, errOut.String())
	}
	return nil
}
