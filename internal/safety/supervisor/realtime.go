package supervisor

import (
	"os"
	"strings"
)

// realtimePath reports "1" on PREEMPT_RT kernels.
var realtimePath = "/sys/kernel/realtime"

func detectRealtime() bool {
	b, err := os.ReadFile(realtimePath)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == "1"
}
