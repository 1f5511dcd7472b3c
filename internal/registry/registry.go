// Package registry implements the Runtime Registry (spec.md §4.1): a
// mapping from runtime name to image tag, command builder, and
// file extension. Grounded on the teacher's internal/execution/runner.go
// (per-language Runner implementations registered at init) and
// internal/sandbox/v2/manager.go (LanguageTemplate + CommandTemplate
// rendering), generalized to the five spec.md runtimes.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"isol8/internal/ierr"
	"isol8/internal/model"
)

// Descriptor is an immutable runtime registration.
type Descriptor struct {
	Name          model.RuntimeName
	ImageTag      string
	FileExtension string

	// BuildCommand returns the argv to run. When filePath is empty, the
	// runtime is asked to run code inline; a descriptor that cannot do
	// that (Deno) ignores the emptiness and instead returns a shell form
	// that materializes a temp file inside the sandbox.
	BuildCommand func(code string, filePath string) []string
}

// Registry is a lookup table that New fills with the built-ins; Register
// can add or replace entries afterwards.
type Registry struct {
	byName      map[model.RuntimeName]Descriptor
	byExtension map[string]model.RuntimeName
	order       []model.RuntimeName
}

// New builds a registry with the five built-in runtimes registered in the
// canonical order python, node, bun, bash, deno. No other built-in claims
// ".ts" (deno registers ".deno.ts"), so ".ts" resolves to bun; registration
// order is the tie-break rule for any future extension collision (the
// last registration wins, see Register).
func New() *Registry {
	r := &Registry{
		byName:      make(map[model.RuntimeName]Descriptor),
		byExtension: make(map[string]model.RuntimeName),
	}
	for _, d := range builtins() {
		r.Register(d)
	}
	return r
}

// Register adds or replaces a descriptor. Last-registered-wins on
// extension collisions — a runtime registered later with ".ts" would take
// that extension over from bun.
func (r *Registry) Register(d Descriptor) {
	r.byName[d.Name] = d
	r.byExtension[d.FileExtension] = d.Name
	found := false
	for _, n := range r.order {
		if n == d.Name {
			found = true
			break
		}
	}
	if !found {
		r.order = append(r.order, d.Name)
	}
}

// Get looks up a descriptor by name.
func (r *Registry) Get(name model.RuntimeName) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, &ierr.ConfigError{Reason: fmt.Sprintf(
			"unknown runtime %q, known runtimes: %s", name, strings.Join(r.names(), ", "))}
	}
	return d, nil
}

// Detect resolves a descriptor by the final extension of filename.
func (r *Registry) Detect(filename string) (Descriptor, error) {
	ext := extensionOf(filename)
	name, ok := r.byExtension[ext]
	if !ok {
		return Descriptor{}, &ierr.ConfigError{Reason: fmt.Sprintf(
			"unknown file extension %q, known extensions: %s", ext, strings.Join(r.extensions(), ", "))}
	}
	return r.byName[name], nil
}

// List returns all descriptors in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, string(n))
	}
	sort.Strings(out)
	return out
}

func (r *Registry) extensions() []string {
	out := make([]string, 0, len(r.byExtension))
	for e := range r.byExtension {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func extensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}

func shellQuote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func builtins() []Descriptor {
	return []Descriptor{
		{
			Name:          model.RuntimePython,
			ImageTag:      "python:3.12-slim",
			FileExtension: ".py",
			BuildCommand: func(code, filePath string) []string {
				if filePath != "" {
					return []string{"python3", filePath}
				}
				return []string{"python3", "-c", code}
			},
		},
		{
			Name:          model.RuntimeNode,
			ImageTag:      "node:20-slim",
			FileExtension: ".js",
			BuildCommand: func(code, filePath string) []string {
				if filePath != "" {
					return []string{"node", filePath}
				}
				return []string{"node", "-e", code}
			},
		},
		{
			// Bun owns ".ts": no other built-in registers that exact
			// extension, and bun's inline/file command shape is otherwise
			// identical to node's.
			Name:          model.RuntimeBun,
			ImageTag:      "oven/bun:1-slim",
			FileExtension: ".ts",
			BuildCommand: func(code, filePath string) []string {
				if filePath != "" {
					return []string{"bun", "run", filePath}
				}
				return []string{"bun", "run", "-e", code}
			},
		},
		{
			Name:          model.RuntimeBash,
			ImageTag:      "alpine:3.20",
			FileExtension: ".sh",
			BuildCommand: func(code, filePath string) []string {
				if filePath != "" {
					return []string{"bash", filePath}
				}
				return []string{"bash", "-c", code}
			},
		},
		{
			// Deno has no clean inline-execution flag, so the file-less
			// path writes the code into a sandbox temp file and invokes
			// `deno run --allow-all` on it from a shell.
			Name:          model.RuntimeDeno,
			ImageTag:      "denoland/deno:1.46-alpine",
			FileExtension: ".deno.ts",
			BuildCommand: func(code, filePath string) []string {
				if filePath != "" {
					return []string{"deno", "run", "--allow-all", filePath}
				}
				script := fmt.Sprintf(
					"f=$(mktemp /sandbox/deno-XXXXXX.ts); printf '%%s' %s > \"$f\"; deno run --allow-all \"$f\"",
					shellQuote(code))
				return []string{"sh", "-c", script}
			},
		},
	}
}
