// Command isol8 is a narrow CLI front-end: run a file through the engine
// once, or invoke the static cleanup utilities. Real CLI ergonomics
// (progress spinners, multi-command shells) are explicitly out of scope
// (spec.md §1) — this mirrors the teacher's cmd/migrate as a thin
// maintenance entrypoint alongside the server binary, using the standard
// library's flag package since the teacher does not depend on cobra.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"isol8/internal/engine"
	"isol8/internal/logging"
	"isol8/internal/model"
	"isol8/internal/registry"
)

func main() {
	logging.Init()
	defer logging.Sync()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "cleanup":
		err = cleanupCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "isol8:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  isol8 run [--runtime <name>] [--file path | --code-url url] [--timeout-ms N]
  isol8 cleanup containers [--daemon addr] [--prefix tag-prefix]
  isol8 cleanup images [--daemon addr] [--prefix tag-prefix]`)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	runtime := fs.String("runtime", "", "runtime name (python, node, bun, deno, bash)")
	file := fs.String("file", "", "path to a local source file")
	codeURL := fs.String("code-url", "", "remote code URL, mutually exclusive with -file")
	timeoutMs := fs.Int("timeout-ms", 0, "override the default execution timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *runtime == "" {
		reg := registry.New()
		if *file != "" {
			d, err := reg.Detect(*file)
			if err != nil {
				return err
			}
			*runtime = string(d.Name)
		} else {
			return fmt.Errorf("-runtime is required when -file is not given")
		}
	}

	req := model.ExecutionRequest{
		Runtime:   model.RuntimeName(*runtime),
		CodeURL:   *codeURL,
		TimeoutMs: *timeoutMs,
	}
	if *file != "" {
		content, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		req.Code = string(content)
	}

	eng, err := engine.New(model.DefaultConfig(), engine.Options{})
	if err != nil {
		return err
	}

	result, err := eng.Execute(context.Background(), req)
	eng.Stop(context.Background())
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)
	os.Exit(result.ExitCode)
	return nil
}

func cleanupCmd(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("cleanup requires a target: containers|images")
	}
	target := args[0]

	fs := flag.NewFlagSet("cleanup "+target, flag.ExitOnError)
	daemon := fs.String("daemon", "", "docker daemon address override")
	prefix := fs.String("prefix", "isol8", "image tag prefix to match")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		res engine.CleanupResult
		err error
	)
	switch target {
	case "containers":
		res, err = engine.CleanupContainers(ctx, *daemon, *prefix)
	case "images":
		res, err = engine.CleanupImages(ctx, *daemon, *prefix)
	default:
		usage()
		return fmt.Errorf("unknown cleanup target %q", target)
	}
	if err != nil {
		return err
	}

	fmt.Printf("removed %d %s\n", res.Removed, target)
	for _, e := range res.Errors {
		fmt.Fprintln(os.Stderr, "error:", e)
	}
	return nil
}
