// Package config loads the engine's configuration file (spec.md §6.5) and
// merges it into model.DefaultConfig(). Grounded on the teacher's
// cmd/main.go godotenv layering (file values override compiled-in
// defaults, never the other way around) and the pack's yaml.v3 usage for
// static config (goclaw, warren) — JSON and YAML are both accepted, the
// format picked by the file extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"isol8/internal/model"
)

// File is the on-disk shape of the configuration file. Every field is a
// pointer or has a zero value that means "not set", so Apply can tell an
// explicit false/0 apart from an absent key.
type File struct {
	MaxConcurrent *int `json:"maxConcurrent" yaml:"maxConcurrent"`

	Defaults struct {
		TimeoutMs    *int     `json:"timeoutMs" yaml:"timeoutMs"`
		MemoryLimit  *int64   `json:"memoryLimit" yaml:"memoryLimit"`
		CPULimit     *float64 `json:"cpuLimit" yaml:"cpuLimit"`
		Network      *string  `json:"network" yaml:"network"`
		SandboxSize  *string  `json:"sandboxSize" yaml:"sandboxSize"`
		TmpSize      *string  `json:"tmpSize" yaml:"tmpSize"`
	} `json:"defaults" yaml:"defaults"`

	Network struct {
		Whitelist []string `json:"whitelist" yaml:"whitelist"`
		Blacklist []string `json:"blacklist" yaml:"blacklist"`
	} `json:"network" yaml:"network"`

	Cleanup struct {
		AutoPrune         *bool `json:"autoPrune" yaml:"autoPrune"`
		MaxContainerAgeMs *int  `json:"maxContainerAgeMs" yaml:"maxContainerAgeMs"`
	} `json:"cleanup" yaml:"cleanup"`

	Dependencies map[string][]string `json:"dependencies" yaml:"dependencies"`

	Security struct {
		Seccomp           *string `json:"seccomp" yaml:"seccomp"`
		CustomProfilePath *string `json:"customProfilePath" yaml:"customProfilePath"`
	} `json:"security" yaml:"security"`

	RemoteCode struct {
		Enabled        *bool    `json:"enabled" yaml:"enabled"`
		AllowedSchemes []string `json:"allowedSchemes" yaml:"allowedSchemes"`
		AllowHosts     []string `json:"allowHosts" yaml:"allowHosts"`
		DenyHosts      []string `json:"denyHosts" yaml:"denyHosts"`
		MaxBytes       *int64   `json:"maxBytes" yaml:"maxBytes"`
		TimeoutMs      *int     `json:"timeoutMs" yaml:"timeoutMs"`
		RequireHash    *bool    `json:"requireHash" yaml:"requireHash"`
		CacheTTLMs     *int     `json:"cacheTtlMs" yaml:"cacheTtlMs"`
	} `json:"remoteCode" yaml:"remoteCode"`

	Audit struct {
		Enabled       *bool   `json:"enabled" yaml:"enabled"`
		Destination   *string `json:"destination" yaml:"destination"`
		LogDir        *string `json:"logDir" yaml:"logDir"`
		RetentionDays *int    `json:"retentionDays" yaml:"retentionDays"`
		IncludeCode   *bool   `json:"includeCode" yaml:"includeCode"`
		IncludeOutput *bool   `json:"includeOutput" yaml:"includeOutput"`
		PostLogScript *string `json:"postLogScript" yaml:"postLogScript"`
	} `json:"audit" yaml:"audit"`
}

// Load reads and decodes a configuration file at path. The format is
// chosen by extension: ".yaml"/".yml" decode as YAML, anything else as
// JSON.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("reading config file %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return f, fmt.Errorf("parsing yaml config %s: %w", path, err)
		}
		return f, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parsing json config %s: %w", path, err)
	}
	return f, nil
}

// Merged bundles the engine config plus the one value (gate capacity)
// that lives outside model.Config proper.
type Merged struct {
	Engine        model.Config
	MaxConcurrent int
}

// Apply layers a File over model.DefaultConfig(), leaving any absent key
// at its default value.
func Apply(f File) Merged {
	cfg := model.DefaultConfig()
	maxConcurrent := 10

	if f.MaxConcurrent != nil {
		maxConcurrent = *f.MaxConcurrent
	}
	if f.Defaults.TimeoutMs != nil {
		cfg.DefaultTimeout = time.Duration(*f.Defaults.TimeoutMs) * time.Millisecond
	}
	if f.Defaults.MemoryLimit != nil {
		cfg.MemoryLimitBytes = *f.Defaults.MemoryLimit
	}
	if f.Defaults.CPULimit != nil {
		cfg.CPULimitCores = *f.Defaults.CPULimit
	}
	if f.Defaults.Network != nil {
		cfg.Network = model.NetworkMode(*f.Defaults.Network)
	}
	if f.Defaults.SandboxSize != nil {
		cfg.SandboxTmpfsSize = *f.Defaults.SandboxSize
	}
	if f.Defaults.TmpSize != nil {
		cfg.TmpTmpfsSize = *f.Defaults.TmpSize
	}

	if len(f.Network.Whitelist) > 0 {
		cfg.NetworkFilter.Allow = f.Network.Whitelist
	}
	if len(f.Network.Blacklist) > 0 {
		cfg.NetworkFilter.Deny = f.Network.Blacklist
	}

	if len(f.Dependencies) > 0 {
		hints := make(map[model.RuntimeName][]string, len(f.Dependencies))
		for rt, deps := range f.Dependencies {
			hints[model.RuntimeName(rt)] = deps
		}
		cfg.DependencyHints = hints
	}

	if f.Security.Seccomp != nil {
		cfg.Seccomp = model.SeccompMode(*f.Security.Seccomp)
	}
	if f.Security.CustomProfilePath != nil {
		cfg.CustomSeccompPath = *f.Security.CustomProfilePath
	}

	if f.RemoteCode.Enabled != nil {
		cfg.RemoteCode.Enabled = *f.RemoteCode.Enabled
	}
	if len(f.RemoteCode.AllowedSchemes) > 0 {
		cfg.RemoteCode.AllowedSchemes = f.RemoteCode.AllowedSchemes
	}
	if len(f.RemoteCode.AllowHosts) > 0 {
		cfg.RemoteCode.AllowHosts = f.RemoteCode.AllowHosts
	}
	if len(f.RemoteCode.DenyHosts) > 0 {
		cfg.RemoteCode.DenyHosts = f.RemoteCode.DenyHosts
	}
	if f.RemoteCode.MaxBytes != nil {
		cfg.RemoteCode.MaxBytes = *f.RemoteCode.MaxBytes
	}
	if f.RemoteCode.TimeoutMs != nil {
		cfg.RemoteCode.Timeout = time.Duration(*f.RemoteCode.TimeoutMs) * time.Millisecond
	}
	if f.RemoteCode.RequireHash != nil {
		cfg.RemoteCode.RequireHash = *f.RemoteCode.RequireHash
	}
	if f.RemoteCode.CacheTTLMs != nil {
		cfg.RemoteCode.CacheTTL = time.Duration(*f.RemoteCode.CacheTTLMs) * time.Millisecond
	}

	if f.Audit.Enabled != nil {
		cfg.Audit.Enabled = *f.Audit.Enabled
	}
	if f.Audit.IncludeCode != nil {
		cfg.Audit.IncludeCode = *f.Audit.IncludeCode
	}
	if f.Audit.IncludeOutput != nil {
		cfg.Audit.IncludeOutput = *f.Audit.IncludeOutput
	}

	return Merged{Engine: cfg, MaxConcurrent: maxConcurrent}
}
