package preflight

import (
	"context"
	"fmt"
	"syscall"
)

// MinFileDescriptors is the descriptor limit a directory watch needs.
const MinFileDescriptors = 1024

// FileDescriptors checks the open-file limit. A low limit only matters to
// --watch on large trees, so it warns rather than fails.
func FileDescriptors(minimum uint64) Check {
	return Check{
		Name: "file_descriptors",
		Run: func(context.Context) Outcome {
			var lim syscall.Rlimit
			if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
				return Outcome{Status: StatusWarn, Message: fmt.Sprintf("cannot read limit: %v", err)}
			}
			msg := fmt.Sprintf("%d (minimum: %d)", lim.Cur, minimum)
			if lim.Cur < minimum {
				return Outcome{Status: StatusWarn, Message: msg, Hint: "Run 'ulimit -n 10240' before watching large directories"}
			}
			return Outcome{Status: StatusPass, Message: msg}
		},
	}
}
