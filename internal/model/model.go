// Package model holds the engine's wire-level data model: the shapes
// shared by the orchestrator, the pool, the fetcher, and the HTTP control
// plane. None of these types carry behavior beyond small helpers — they
// are the nouns the rest of the engine operates on.
package model

import "time"

// RuntimeName identifies one of the five registered runtimes.
type RuntimeName string

const (
	RuntimePython RuntimeName = "python"
	RuntimeNode   RuntimeName = "node"
	RuntimeBun    RuntimeName = "bun"
	RuntimeDeno   RuntimeName = "deno"
	RuntimeBash   RuntimeName = "bash"
)

// LifecycleMode selects ephemeral (pool-warmed, recycled) or persistent
// (one long-lived container per engine) execution.
type LifecycleMode string

const (
	LifecycleEphemeral  LifecycleMode = "ephemeral"
	LifecyclePersistent LifecycleMode = "persistent"
)

// NetworkMode controls what a sandbox container can reach.
type NetworkMode string

const (
	NetworkNone     NetworkMode = "none"
	NetworkHost     NetworkMode = "host"
	NetworkFiltered NetworkMode = "filtered"
)

// SeccompMode selects the syscall filter applied to sandbox containers.
type SeccompMode string

const (
	SeccompStrict     SeccompMode = "strict"
	SeccompUnconfined SeccompMode = "unconfined"
	SeccompCustom     SeccompMode = "custom"
)

// PoolStrategy selects the container pool's recycling discipline.
type PoolStrategy string

const (
	PoolSecure PoolStrategy = "secure"
	PoolFast   PoolStrategy = "fast"
)

// NetworkFilter holds ordered allow/deny host regexes for filtered mode.
// Deny always wins; an empty allow list means allow-all after deny.
type NetworkFilter struct {
	Allow []string
	Deny  []string
}

// PoolSizes configures queue capacities per strategy.
type PoolSizes struct {
	Clean int // secure: the single queue's capacity; fast: the clean queue's capacity
	Dirty int // fast only
}

// RemoteCodePolicy governs codeUrl fetches (spec.md §4.5).
type RemoteCodePolicy struct {
	Enabled        bool
	AllowedSchemes []string
	AllowHosts     []string
	DenyHosts      []string
	MaxBytes       int64
	Timeout        time.Duration
	RequireHash    bool
	CacheTTL       time.Duration
}

// AuditConfig controls what an audit sink is handed.
type AuditConfig struct {
	Enabled       bool
	IncludeCode   bool
	IncludeOutput bool
}

// Config is the per-engine-instance configuration (spec.md §3
// "Engine configuration").
type Config struct {
	Lifecycle LifecycleMode

	MemoryLimitBytes int64
	CPULimitCores    float64
	MaxPids          int64
	ReadOnlyRootFS   bool
	SandboxTmpfsSize string // e.g. "64m"
	TmpTmpfsSize     string

	MaxOutputBytes int64
	DefaultTimeout time.Duration

	Secrets map[string]string

	Network       NetworkMode
	NetworkFilter NetworkFilter

	Seccomp           SeccompMode
	CustomSeccompPath string

	PoolStrategy PoolStrategy
	PoolSizes    PoolSizes

	DependencyHints map[RuntimeName][]string
	ImageOverride   string // explicit image tag override, takes precedence over hints

	RemoteCode RemoteCodePolicy
	Audit      AuditConfig

	DockerHost string
	ImagePrefix string
}

// DefaultConfig returns production-biased defaults, grounded on the
// teacher's DefaultContainerSandboxConfig.
func DefaultConfig() Config {
	return Config{
		Lifecycle:        LifecycleEphemeral,
		MemoryLimitBytes: 256 * 1024 * 1024,
		CPULimitCores:    0.5,
		MaxPids:          100,
		ReadOnlyRootFS:   true,
		SandboxTmpfsSize: "64m",
		TmpTmpfsSize:     "64m",
		MaxOutputBytes:   1 << 20,
		DefaultTimeout:   30 * time.Second,
		Network:          NetworkNone,
		Seccomp:          SeccompStrict,
		PoolStrategy:     PoolSecure,
		PoolSizes:        PoolSizes{Clean: 4, Dirty: 8},
		DependencyHints:  map[RuntimeName][]string{},
		RemoteCode: RemoteCodePolicy{
			Enabled:        false,
			AllowedSchemes: []string{"https"},
			MaxBytes:       1 << 20,
			Timeout:        10 * time.Second,
		},
		Audit:       AuditConfig{Enabled: false},
		DockerHost:  "unix:///var/run/docker.sock",
		ImagePrefix: "isol8",
	}
}

// ExecutionRequest is a single execute()/executeStream() call's input.
type ExecutionRequest struct {
	Code     string `json:"code,omitempty"`
	CodeURL  string `json:"codeUrl,omitempty"`
	CodeHash string `json:"codeHash,omitempty"` // sha256 hex, required when RemoteCodePolicy.RequireHash

	AllowInsecureCodeURL bool `json:"allowInsecureCodeUrl,omitempty"`

	Runtime         RuntimeName       `json:"runtime"`
	TimeoutMs       int               `json:"timeoutMs,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	FileExtension   string            `json:"fileExtension,omitempty"`
	Stdin           string            `json:"stdin,omitempty"`
	Files           map[string][]byte `json:"files,omitempty"` // absolute path -> content
	OutputPaths     []string          `json:"outputPaths,omitempty"`
	InstallPackages []string          `json:"installPackages,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ExecutionResult is the structured outcome of execute().
type ExecutionResult struct {
	Stdout        string            `json:"stdout"`
	Stderr        string            `json:"stderr"`
	ExitCode      int               `json:"exitCode"`
	DurationMs    int64             `json:"durationMs"`
	Truncated     bool              `json:"truncated"`
	ExecutionID   string            `json:"executionId"`
	Runtime       RuntimeName       `json:"runtime"`
	Timestamp     time.Time         `json:"timestamp"`
	ContainerID   string            `json:"containerId"`
	Files         map[string][]byte `json:"files,omitempty"` // absolute path -> content
	ResourceUsage *ResourceUsage    `json:"resourceUsage,omitempty"`
	NetworkLogs   []NetworkLogEntry `json:"networkLogs,omitempty"`
}

// ResourceUsage summarizes container stats sampled around an execution.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpuPercent"`
	MemoryMiB      float64 `json:"memoryMiB"`
	NetworkRxBytes int64   `json:"networkRxBytes"`
	NetworkTxBytes int64   `json:"networkTxBytes"`
}

// NetworkLogEntry records one allow/block decision made by the in-container
// proxy (spec.md §6.3).
type NetworkLogEntry struct {
	Action     string  `json:"action"` // "allow" | "block"
	Host       string  `json:"host"`
	Method     string  `json:"method"`
	Path       *string `json:"path"`
	DurationMs int64   `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// StreamEventKind tags a StreamEvent's payload.
type StreamEventKind string

const (
	StreamStdout StreamEventKind = "stdout"
	StreamStderr StreamEventKind = "stderr"
	StreamExit   StreamEventKind = "exit"
	StreamError  StreamEventKind = "error"
)

// StreamEvent is one item of executeStream()'s output sequence. Exactly
// one Exit event terminates every stream.
type StreamEvent struct {
	Kind StreamEventKind `json:"kind"`
	Data string          `json:"data"` // text for stdout/stderr, decimal exit code for exit, message for error
}

// AuditRecord is the structured record emitted after every execution
// (spec.md §6.4). Privacy filters (IncludeCode/IncludeOutput) are applied
// by the engine before handing this to the sink.
type AuditRecord struct {
	ExecutionID   string
	UserID        string
	Timestamp     time.Time
	Runtime       RuntimeName
	CodeHash      string
	ContainerID   string
	ExitCode      int
	DurationMs    int64
	ResourceUsage *ResourceUsage
	SecurityEvents []NetworkLogEntry
	NetworkLogs   []NetworkLogEntry
	Metadata      map[string]string
	Code          string
	Stdout        string
	Stderr        string
}

// Sink receives one AuditRecord per execution. Implementations are
// expected to be safe for concurrent use; the engine calls Record at
// most once per execution.
type Sink interface {
	Record(AuditRecord)
}
