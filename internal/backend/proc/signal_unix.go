//go:build !windows

package proc

import "syscall"

// termSignal is the polite termination signal sent before SIGKILL.
var termSignal = syscall.SIGTERM
