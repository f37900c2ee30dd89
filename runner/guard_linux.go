//go:build linux

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"
)

// ExecGuarded applies the rlimits, switches to spec.User, loads the seccomp
// filter and replaces the current process with argv. It only returns on
// failure.
func ExecGuarded(spec GuardSpec, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no program given")
	}

	// Credentials are per thread until exec, so everything happens on the
	// thread that calls execve.
	runtime.LockOSThread()

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", argv[0], err)
	}
	env := os.Environ()

	// The CPU hard limit sits one second above the soft one so that SIGXCPU
	// arrives before SIGKILL.
	limits := []struct {
		resource int
		cur, max uint64
	}{
		{unix.RLIMIT_CORE, 0, 0},
		{unix.RLIMIT_CPU, spec.CPUSeconds, spec.CPUSeconds + 1},
		{unix.RLIMIT_FSIZE, spec.FileSize, spec.FileSize},
		{unix.RLIMIT_NOFILE, spec.OpenFiles, spec.OpenFiles},
	}
	for _, l := range limits {
		if l.cur == 0 && l.resource != unix.RLIMIT_CORE {
			continue
		}
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.cur, Max: l.max}); err != nil {
			return fmt.Errorf("failed to set rlimit %d: %w", l.resource, err)
		}
	}

	if spec.User != nil {
		if err := dropUser(*spec.User); err != nil {
			return err
		}
	}

	if err := seccomp.LoadFilter(seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     guardPolicy(spec),
	}); err != nil {
		return fmt.Errorf("failed to load seccomp filter: %w", err)
	}

	// Address space goes last: after it, the guard itself may not be able to
	// grow its heap any more.
	if spec.AddressSpace > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: spec.AddressSpace, Max: spec.AddressSpace}); err != nil {
			return fmt.Errorf("failed to set address space limit: %w", err)
		}
	}

	return unix.Exec(path, argv, env)
}

// dropUser switches every id of the calling thread to c and clears the
// supplementary groups. The group goes first while the thread still may.
func dropUser(c Credential) error {
	if err := unix.Setgroups(nil); err != nil {
		return fmt.Errorf("failed to clear supplementary groups: %w", err)
	}
	if err := unix.Setresgid(int(c.GID), int(c.GID), int(c.GID)); err != nil {
		return fmt.Errorf("failed to switch to gid %d: %w", c.GID, err)
	}
	if err := unix.Setresuid(int(c.UID), int(c.UID), int(c.UID)); err != nil {
		return fmt.Errorf("failed to switch to uid %d: %w", c.UID, err)
	}
	return nil
}

func actionErrno(errno uint32) seccomp.Action {
	return seccomp.Action(uint32(seccomp.ActionErrno) | (errno & 0xffff))
}

// guardPolicy allows everything except escaping the sandbox: namespace and
// mount manipulation, tracing, and (optionally) opening sockets.
func guardPolicy(spec GuardSpec) seccomp.Policy {
	policy := seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
		Syscalls: []seccomp.SyscallGroup{
			{
				Action: actionErrno(uint32(unix.EPERM)),
				Names:  []string{"ptrace", "mount", "umount2", "unshare", "setns", "pivot_root", "chroot", "bpf", "keyctl"},
			},
		},
	}
	if spec.DenyNetwork {
		policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
			Action: actionErrno(uint32(unix.EACCES)),
			Names:  []string{"socket"},
		})
	}
	return policy
}
