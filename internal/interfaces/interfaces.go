// Package interfaces provides internal interface definitions for printfleet.
// These are separate from the public interfaces to avoid circular imports
// between the main package and internal packages.
package interfaces

import "time"

// Port is the raw serial device underneath a transport. go.bug.st/serial's
// Port satisfies it; tests substitute scripted fakes.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe as methods are called from the
// monitor runners and the upload path concurrently.
type Observer interface {
	ObserveCommand(latencyNs uint64, success bool)
	ObservePoll(success bool)
	ObserveUpload(bytes uint64, latencyNs uint64, success bool)
	ObserveUploadLine(bytes uint64)
	ObserveCancel()
	ObserveDisconnect()
}
