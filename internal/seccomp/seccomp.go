// Package seccomp builds and locates the syscall filter profile applied
// to every sandbox container (spec.md §4.6.2). Grounded on the teacher's
// internal/execution/container_sandbox.go writeSeccompProfile — the
// syscall allow-list is unchanged, since it is applicable to any
// short-lived interpreted-language container regardless of domain; the
// packaging is reworked from a process-start-time temp file into a
// profile resolvable from two well-known install locations.
package seccomp

import (
	"encoding/json"
	"os"
	"path/filepath"

	"isol8/internal/logging"
	"isol8/internal/model"
)

// Profile mirrors the Docker/libseccomp JSON profile schema.
type Profile struct {
	DefaultAction string     `json:"defaultAction"`
	Architectures []string   `json:"architectures"`
	Syscalls      []Syscall  `json:"syscalls"`
}

// Syscall groups names sharing one action, with optional argument
// conditions.
type Syscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
	Args   []Arg    `json:"args,omitempty"`
}

// Arg conditions a syscall's action on one argument's value.
type Arg struct {
	Index uint   `json:"index"`
	Value uint64 `json:"value"`
	Op    string `json:"op"`
}

// StrictProfile is the bundled syscall filter: broad POSIX process and
// networking syscalls allowed, mount/reboot/kexec/ptrace-attach blocked.
func StrictProfile() Profile {
	allow := func(names ...string) Syscall { return Syscall{Names: names, Action: "SCMP_ACT_ALLOW"} }
	return Profile{
		DefaultAction: "SCMP_ACT_ERRNO",
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_X86", "SCMP_ARCH_AARCH64", "SCMP_ARCH_ARM"},
		Syscalls: []Syscall{
			allow("read", "write", "open", "close", "stat", "fstat", "lstat"),
			allow("poll", "lseek", "mmap", "mprotect", "munmap", "brk"),
			allow("rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "ioctl"),
			allow("access", "pipe", "select", "sched_yield", "mremap"),
			allow("dup", "dup2", "pause", "nanosleep", "getitimer", "alarm"),
			allow("setitimer", "getpid", "socket", "connect", "sendto"),
			allow("recvfrom", "sendmsg", "recvmsg", "shutdown", "bind"),
			allow("listen", "getsockname", "getpeername", "socketpair"),
			allow("setsockopt", "getsockopt", "clone", "fork", "vfork"),
			allow("execve", "exit", "wait4", "kill", "uname", "fcntl"),
			allow("flock", "fsync", "fdatasync", "truncate", "ftruncate"),
			allow("getdents", "getcwd", "chdir", "fchdir", "rename"),
			allow("mkdir", "rmdir", "creat", "link", "unlink", "symlink"),
			allow("readlink", "chmod", "fchmod", "chown", "fchown"),
			allow("lchown", "umask", "gettimeofday", "getrlimit", "getrusage"),
			allow("sysinfo", "times", "getuid", "getgid", "setuid"),
			allow("setgid", "geteuid", "getegid", "setpgid", "getppid"),
			allow("getpgrp", "setsid", "setreuid", "setregid", "getgroups"),
			allow("setgroups", "setresuid", "getresuid", "setresgid"),
			allow("getresgid", "getpgid", "setfsuid", "setfsgid", "getsid"),
			allow("capget", "capset", "rt_sigpending", "rt_sigtimedwait"),
			allow("rt_sigqueueinfo", "sigaltstack", "utime", "mknod"),
			allow("personality", "statfs", "fstatfs", "getpriority"),
			allow("setpriority", "sched_setparam", "sched_getparam"),
			allow("sched_setscheduler", "sched_getscheduler"),
			allow("sched_get_priority_max", "sched_get_priority_min"),
			allow("sched_rr_get_interval", "mlock", "munlock", "mlockall"),
			allow("munlockall", "vhangup", "prctl", "arch_prctl"),
			allow("setrlimit", "sync", "settimeofday"),
			allow("sethostname", "setdomainname"),
			allow("gettid", "readahead", "setxattr", "lsetxattr"),
			allow("fsetxattr", "getxattr", "lgetxattr", "fgetxattr"),
			allow("listxattr", "llistxattr", "flistxattr", "removexattr"),
			allow("lremovexattr", "fremovexattr", "tkill", "time"),
			allow("futex", "sched_setaffinity", "sched_getaffinity"),
			allow("set_thread_area", "io_setup", "io_destroy", "io_getevents"),
			allow("io_submit", "io_cancel", "get_thread_area", "epoll_create"),
			allow("remap_file_pages", "getdents64", "set_tid_address"),
			allow("restart_syscall", "semtimedop", "fadvise64", "timer_create"),
			allow("timer_settime", "timer_gettime", "timer_getoverrun"),
			allow("timer_delete", "clock_gettime"),
			allow("clock_getres", "clock_nanosleep", "exit_group", "epoll_wait"),
			allow("epoll_ctl", "tgkill", "utimes"),
			allow("mq_open", "mq_unlink"),
			allow("mq_timedsend", "mq_timedreceive", "mq_notify"),
			allow("mq_getsetattr", "waitid"),
			allow("ioprio_get", "inotify_init"),
			allow("inotify_add_watch", "inotify_rm_watch"),
			allow("openat", "mkdirat", "mknodat", "fchownat", "futimesat"),
			allow("newfstatat", "unlinkat", "renameat", "linkat", "symlinkat"),
			allow("readlinkat", "fchmodat", "faccessat", "pselect6", "ppoll"),
			allow("unshare", "set_robust_list", "get_robust_list", "splice"),
			allow("tee", "sync_file_range"),
			allow("utimensat", "epoll_pwait", "signalfd", "timerfd_create"),
			allow("eventfd", "fallocate", "timerfd_settime", "timerfd_gettime"),
			allow("accept4", "signalfd4", "eventfd2", "epoll_create1"),
			allow("dup3", "pipe2", "inotify_init1", "preadv", "pwritev"),
			allow("rt_tgsigqueueinfo", "recvmmsg"),
			allow("prlimit64"),
			allow("clock_adjtime"),
			allow("syncfs", "sendmmsg", "setns", "getcpu"),
			allow("process_vm_readv", "process_vm_writev", "kcmp"),
			allow("sched_setattr", "sched_getattr"),
			allow("renameat2", "seccomp", "getrandom", "memfd_create"),
			allow("execveat", "membarrier"),
			allow("mlock2", "copy_file_range", "preadv2", "pwritev2"),
			allow("statx", "io_pgetevents", "rseq"),
			{Names: []string{"ptrace"}, Action: "SCMP_ACT_ERRNO", Args: []Arg{{Index: 0, Value: 0, Op: "SCMP_CMP_NE"}}},
			{Names: []string{"mount", "umount2"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"reboot", "swapon", "swapoff"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"kexec_load", "kexec_file_load"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"acct"}, Action: "SCMP_ACT_ERRNO"},
			{Names: []string{"init_module", "delete_module", "quotactl"}, Action: "SCMP_ACT_ERRNO"},
		},
	}
}

// candidatePaths are tried in order: development-relative (running from
// the repo/build tree) then bundled-installation-relative.
func candidatePaths() []string {
	return []string{
		filepath.Join("internal", "seccomp", "profiles", "strict.json"),
		filepath.Join("/usr", "share", "isol8", "seccomp", "strict.json"),
	}
}

// Resolve locates the security options to attach to a container's
// HostConfig for the given mode. strict tries the bundled profile file
// first (writing it on first use if missing at the dev-relative path),
// and returns no seccomp option, with a warning, if the profile can be
// neither found nor written.
func Resolve(mode model.SeccompMode, customPath string) []string {
	switch mode {
	case model.SeccompUnconfined:
		return []string{"seccomp=unconfined"}
	case model.SeccompCustom:
		if customPath == "" {
			logging.WithComponent("seccomp").Sugar().Warn("custom seccomp mode requested without a path, proceeding unfiltered")
			return nil
		}
		if _, err := os.Stat(customPath); err != nil {
			logging.WithComponent("seccomp").Sugar().Warnw("custom seccomp profile not found, proceeding unfiltered", "path", customPath)
			return nil
		}
		return []string{"seccomp=" + customPath}
	default:
		path, err := ensureStrictProfileOnDisk()
		if err != nil {
			logging.WithComponent("seccomp").Sugar().Warnw("strict seccomp profile unavailable, proceeding unfiltered", "error", err)
			return nil
		}
		return []string{"seccomp=" + path}
	}
}

func ensureStrictProfileOnDisk() (string, error) {
	for _, p := range candidatePaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	path := candidatePaths()[0]
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(StrictProfile(), "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
