package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"isol8/internal/containerhost"
	"isol8/internal/model"
	"isol8/internal/registry"
)

// stageResult carries the paths stage wrote, so buildFinalCommand never
// has to re-derive or guess them.
type stageResult struct {
	EntryPath string // "" when the fast inline path applies
	StdinPath string // "" when req.Stdin was empty
}

// stage implements spec.md §4.6.4: code/file staging. In persistent mode
// (§4.6.12) the entry file and stdin file are suffixed with the current
// epoch millisecond so successive invocations against the same
// long-lived container never clash or read stale content.
func (o *Orchestrator) stage(ctx context.Context, containerID string, desc registry.Descriptor, req model.ExecutionRequest) (stageResult, error) {
	needsFile := req.Stdin != "" || len(req.Files) > 0 || len(req.OutputPaths) > 0 || len(req.InstallPackages) > 0
	persistent := o.cfg.Lifecycle == model.LifecyclePersistent

	var res stageResult

	if req.Stdin != "" {
		res.StdinPath = sandboxDir + "/_stdin"
		if persistent {
			res.StdinPath = fmt.Sprintf("%s/stdin_%d", sandboxDir, time.Now().UnixMilli())
		}
		if err := o.writeFile(ctx, containerID, res.StdinPath, []byte(req.Stdin)); err != nil {
			return stageResult{}, err
		}
	}
	for path, content := range req.Files {
		if err := o.writeFile(ctx, containerID, path, content); err != nil {
			return stageResult{}, err
		}
	}

	if !needsFile {
		// Fast inline path (§4.6.4): try inline first. If the runtime
		// can't express it, fall back to the file form transparently —
		// the registry encodes a fallback in BuildCommand itself
		// (e.g. Deno returns a shell script instead of ignoring the
		// empty filePath), but here "needs a file" runtimes are
		// detected by name via requiresFileForm.
		if !requiresFileForm(desc) {
			return res, nil
		}
	}

	res.EntryPath = fmt.Sprintf("%s/main%s", sandboxDir, desc.FileExtension)
	if persistent {
		res.EntryPath = fmt.Sprintf("%s/exec_%d%s", sandboxDir, time.Now().UnixMilli(), desc.FileExtension)
	}
	if err := o.writeFile(ctx, containerID, res.EntryPath, []byte(req.Code)); err != nil {
		return stageResult{}, err
	}
	return res, nil
}

// requiresFileForm reports whether a runtime cannot express inline
// execution at all (Deno has no clean "-e" flag equivalent).
func requiresFileForm(desc registry.Descriptor) bool {
	return desc.Name == model.RuntimeDeno
}

// writeFile stages one file's bytes into the container, using putArchive
// when the root filesystem is writable, or the exec+base64 mechanism
// otherwise (spec.md §4.6.4).
func (o *Orchestrator) writeFile(ctx context.Context, containerID, destPath string, content []byte) error {
	if !o.cfg.ReadOnlyRootFS {
		return o.putArchiveFile(ctx, containerID, destPath, content)
	}
	return o.writeFileViaExec(ctx, containerID, destPath, content)
}

func (o *Orchestrator) putArchiveFile(ctx context.Context, containerID, destPath string, content []byte) error {
	dir := destPath[:strings.LastIndex(destPath, "/")]
	name := destPath[strings.LastIndex(destPath, "/")+1:]

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), ModTime: time.Unix(0, 0)}); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return o.host.PutArchive(ctx, containerID, buf, dir)
}

// writeFileViaExec is the read-only-root staging mechanism: small
// bodies go through one exec, larger bodies are chunked (spec.md
// §4.6.4).
func (o *Orchestrator) writeFileViaExec(ctx context.Context, containerID, destPath string, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)

	if len(encoded) <= inlineStageMax {
		script := fmt.Sprintf("printf '%%s' %s | base64 -d > %s", shellQuote(encoded), shellQuote(destPath))
		return o.runStagingExec(ctx, containerID, script)
	}

	tmpPath := destPath + ".b64"
	if err := o.runStagingExec(ctx, containerID, fmt.Sprintf(": > %s", shellQuote(tmpPath))); err != nil {
		return err
	}
	for i := 0; i < len(encoded); i += chunkSize {
		end := i + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunk := encoded[i:end]
		script := fmt.Sprintf("printf '%%s' %s >> %s", shellQuote(chunk), shellQuote(tmpPath))
		if err := o.runStagingExec(ctx, containerID, script); err != nil {
			return err
		}
	}
	decodeScript := fmt.Sprintf("base64 -d %s > %s && rm -f %s", shellQuote(tmpPath), shellQuote(destPath), shellQuote(tmpPath))
	return o.runStagingExec(ctx, containerID, decodeScript)
}

func (o *Orchestrator) runStagingExec(ctx context.Context, containerID, script string) error {
	handle, stream, err := o.host.Exec(ctx, containerID, containerhost.ExecSpec{
		Cmd: []string{"sh", "-c", script}, User: "0", WorkingDir: sandboxDir, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return err
	}
	defer stream.Close()
	_, _ = io.Copy(io.Discard, stream.Reader)

	insp, err := o.host.ExecInspect(ctx, handle)
	if err != nil {
		return err
	}
	if insp.ExitCode != 0 {
		return fmt.Errorf("staging exec exited %d", insp.ExitCode)
	}
	return nil
}

// installPackages implements spec.md §4.6.7.
func (o *Orchestrator) installPackages(ctx context.Context, containerID string, rt model.RuntimeName, packages []string) error {
	user := sandboxUID
	var script string
	switch rt {
	case model.RuntimePython:
		script = "pip install --user --no-cache-dir --break-system-packages " + quoteAll(packages)
	case model.RuntimeNode:
		script = "npm install --prefix " + sandboxDir + " " + quoteAll(packages)
	case model.RuntimeBun:
		script = "bun install -g --global-dir=" + sandboxDir + "/.bun-global " + quoteAll(packages)
	case model.RuntimeDeno:
		var parts []string
		for _, p := range packages {
			parts = append(parts, fmt.Sprintf("deno cache %s", shellQuote(p)))
		}
		script = strings.Join(parts, " && ")
	case model.RuntimeBash:
		user = "0"
		script = "apk add --no-cache " + quoteAll(packages)
	default:
		return fmt.Errorf("package installation unsupported for runtime %q", rt)
	}

	handle, stream, err := o.host.Exec(ctx, containerID, containerhost.ExecSpec{
		Cmd: []string{"sh", "-c", script}, User: user, WorkingDir: sandboxDir, AttachStdout: true, AttachStderr: true,
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
		return fmt.Errorf("package install failed with exit %d: %s%s", insp.ExitCode, out.String(), errOut.String())
	}
	return nil
}

func quoteAll(items []string) string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = shellQuote(s)
	}
	return strings.Join(out, " ")
}

// retrieveOutputs implements spec.md §4.6.10.
func (o *Orchestrator) retrieveOutputs(ctx context.Context, containerID string, paths []string) (map[string][]byte, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(paths))
	var firstErr error
	for _, p := range paths {
		data, err := o.readOutputFile(ctx, containerID, p)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue // non-existent files are silently skipped
		}
		if data != nil {
			out[p] = data
		}
	}
	return out, nil
}

func (o *Orchestrator) readOutputFile(ctx context.Context, containerID, path string) ([]byte, error) {
	if !o.cfg.ReadOnlyRootFS {
		rc, err := o.host.GetArchive(ctx, containerID, path)
		if err != nil {
			return nil, nil
		}
		defer rc.Close()
		tr := tar.NewReader(rc)
		if _, err := tr.Next(); err != nil {
			return nil, nil
		}
		return io.ReadAll(tr)
	}

	script := fmt.Sprintf("base64 %s 2>/dev/null", shellQuote(path))
	handle, stream, err := o.host.Exec(ctx, containerID, containerhost.ExecSpec{
		Cmd: []string{"sh", "-c", script}, User: sandboxUID, WorkingDir: sandboxDir, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return nil, nil
	}
	defer stream.Close()
	var out, errOut bytes.Buffer
	_, _ = stdcopy.StdCopy(&out, &errOut, stream.Reader)

	insp, err := o.host.ExecInspect(ctx, handle)
	if err != nil || insp.ExitCode != 0 {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out.String()))
	if err != nil {
		return nil, nil
	}
	return decoded, nil
}
