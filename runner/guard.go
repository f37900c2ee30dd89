package runner

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// GuardCommandName is the hidden subcommand that applies the guard
const GuardCommandName = "guard"

// Fixed guard limits that do not depend on the submission budget
const (
	DefaultFileSizeLimit = 64 * 1024 * 1024
	DefaultOpenFiles     = 64
	cpuSlackSeconds      = 2
	addressSpaceFactor   = 16
	minAddressSpace      = 4 * 1024 * 1024 * 1024
)

// Credential is the user a guarded program runs as
type Credential struct {
	UID uint32
	GID uint32
}

// GuardSpec lists the restrictions applied right before exec'ing a program
type GuardSpec struct {
	CPUSeconds   uint64
	AddressSpace uint64
	FileSize     uint64
	OpenFiles    uint64
	DenyNetwork  bool
	// User, when set, is switched to before exec (supplementary groups are
	// dropped)
	User *Credential
}

// NewGuardSpec derives the guard restrictions from the budgets. The CPU
// limit trails the wall-clock budget so that the deadline normally fires
// first. The address-space limit is only a backstop far above the memory
// budget: the launcher's resident-set watch and the cgroup OOM counter
// decide the memory verdict, so allocations must not fail before them.
func NewGuardSpec(l Limits, addressSpaceLimit, denyNetwork bool) GuardSpec {
	spec := GuardSpec{
		CPUSeconds:  uint64(l.Time.Round(time.Second)/time.Second) + cpuSlackSeconds,
		FileSize:    DefaultFileSizeLimit,
		OpenFiles:   DefaultOpenFiles,
		DenyNetwork: denyNetwork,
	}
	if addressSpaceLimit && l.MemoryMB > 0 {
		spec.AddressSpace = max(uint64(l.MemoryMB)*1024*1024*addressSpaceFactor, minAddressSpace)
	}
	return spec
}

// Args builds the argv that re-executes self as a guard around argv
func (s GuardSpec) Args(self string, argv []string) []string {
	args := []string{
		self, GuardCommandName,
		"--cpu", strconv.FormatUint(s.CPUSeconds, 10),
		"--as", strconv.FormatUint(s.AddressSpace, 10),
		"--fsize", strconv.FormatUint(s.FileSize, 10),
		"--nofile", strconv.FormatUint(s.OpenFiles, 10),
	}
	if s.DenyNetwork {
		args = append(args, "--deny-network")
	}
	if s.User != nil {
		args = append(args,
			"--uid", strconv.FormatUint(uint64(s.User.UID), 10),
			"--gid", strconv.FormatUint(uint64(s.User.GID), 10))
	}
	args = append(args, "--")
	return append(args, argv...)
}

// GuardCommand returns the hidden cobra command that applies a GuardSpec and
// replaces itself with the guarded program. Binaries that pass WithGuard to
// a Runner must register it on their root command.
func GuardCommand() *cobra.Command {
	var (
		spec     GuardSpec
		uid, gid int64
	)

	cmd := &cobra.Command{
		Use:    GuardCommandName + " -- program [args...]",
		Short:  "Apply sandbox limits and exec a program",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if uid >= 0 {
				if gid < 0 {
					gid = uid
				}
				spec.User = &Credential{UID: uint32(uid), GID: uint32(gid)}
			}
			if err := ExecGuarded(spec, args); err != nil {
				return fmt.Errorf("guard: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().Uint64Var(&spec.CPUSeconds, "cpu", 0, "CPU time limit in seconds (0 = unlimited)")
	cmd.Flags().Uint64Var(&spec.AddressSpace, "as", 0, "address space limit in bytes (0 = unlimited)")
	cmd.Flags().Uint64Var(&spec.FileSize, "fsize", DefaultFileSizeLimit, "largest file the program may write")
	cmd.Flags().Uint64Var(&spec.OpenFiles, "nofile", DefaultOpenFiles, "open file descriptor limit")
	cmd.Flags().BoolVar(&spec.DenyNetwork, "deny-network", false, "make socket(2) fail with EACCES")
	cmd.Flags().Int64Var(&uid, "uid", -1, "user id to run the program as (-1 = keep)")
	cmd.Flags().Int64Var(&gid, "gid", -1, "group id to run the program as (-1 = same as --uid)")

	return cmd
}
