// Package monitoring holds the diagnostic logger and Prometheus metrics shared
// by the positioning pipeline.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Diagf logs a recoverable diagnostic tagged with kind, e.g. "parse" or
// "solve". Diagnostics are informational and never stop the pipeline.
func Diagf(kind, format string, v ...interface{}) {
	args := make([]interface{}, 0, len(v)+1)
	args = append(args, kind)
	args = append(args, v...)
	Logf("[%s] "+format, args...)
}
