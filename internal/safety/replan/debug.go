package replan

import (
	"io"
	"log"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/monitoring"
)

var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the replan package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = monitoring.NewStreamLogger("[replan] ", ops)
	diagLogger = monitoring.NewStreamLogger("[replan] ", diag)
	traceLogger = monitoring.NewStreamLogger("[replan] ", trace)
}

// opsf logs to the ops stream (abandoned attempts, flatten failures).
func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// diagf logs to the diag stream (attempt start and outcome).
func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef logs to the trace stream (backtracking samples).
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
