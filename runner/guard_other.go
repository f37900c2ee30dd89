//go:build !linux

package runner

import (
	"fmt"
	"runtime"
)

// ExecGuarded is only available on Linux
func ExecGuarded(_ GuardSpec, _ []string) error {
	return fmt.Errorf("guarded exec is not supported on %s", runtime.GOOS)
}
