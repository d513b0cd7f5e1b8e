// Package monitoring builds the log streams and the rate-limited logging
// helper used by the real-time supervisor loop.
package monitoring

import (
	"io"
	"log"
)

// NewStreamLogger returns a logger writing to w with the given prefix, or
// nil when w is nil. Packages use it to build their ops/diag/trace streams.
func NewStreamLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}
