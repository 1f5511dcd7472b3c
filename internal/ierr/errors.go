// Package ierr defines the engine's error taxonomy. Every failure surfaced
// to a caller of the engine is one of these sentinels (or wraps one), so
// callers can branch with errors.As instead of parsing messages.
package ierr

import "fmt"

// ConfigError reports an invalid option combination caught before any
// container is created (e.g. both Code and CodeURL set, or a persistent
// engine asked to switch runtimes).
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// PolicyDenied reports a remote-code policy violation: scheme, host,
// private-range resolution, size, or hash mismatch.
type PolicyDenied struct {
	Reason string
}

func (e *PolicyDenied) Error() string { return "policy denied: " + e.Reason }

// HostError wraps a container daemon failure, naming the operation that
// failed.
type HostError struct {
	Op  string
	Err error
}

func (e *HostError) Error() string { return fmt.Sprintf("host error during %s: %v", e.Op, e.Err) }
func (e *HostError) Unwrap() error { return e.Err }

// ProxyStartupTimeout reports that the in-container proxy did not become
// reachable within its startup window.
type ProxyStartupTimeout struct {
	ContainerID string
	Waited      string
}

func (e *ProxyStartupTimeout) Error() string {
	return fmt.Sprintf("proxy startup timed out in container %s after %s", e.ContainerID, e.Waited)
}

// ExecutionTimeout reports that the wall-clock cap fired. The orchestrator
// does not construct it: a timed-out execution resolves with partial
// output and exit code 137 instead of an error.
type ExecutionTimeout struct {
	TimeoutMs int
}

func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("execution timed out after %dms", e.TimeoutMs)
}

// FetchError wraps a network failure while retrieving remote code.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s failed: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// NotFound reports a lookup miss (registry entry, active session, etc).
type NotFound struct {
	Kind string
	Name string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.Name) }
