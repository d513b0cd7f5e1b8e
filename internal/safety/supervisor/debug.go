package supervisor

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

// SetLogWriters configures the three logging streams for the supervisor package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = monitoring.NewStreamLogger("[supervisor] ", ops)
	diagLogger = monitoring.NewStreamLogger("[supervisor] ", diag)
	traceLogger = monitoring.NewStreamLogger("[supervisor] ", trace)
}

// opsf logs to the ops stream (emergency stops, missing feedback).
func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

// diagf logs to the diag stream (lifecycle, zone table, scale changes).
func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// tracef logs to the trace stream (per-tick telemetry).
func tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
