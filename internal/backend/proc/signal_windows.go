//go:build windows

package proc

import "os"

// Windows has no SIGTERM; fall back to Kill for both phases.
var termSignal = os.Kill
