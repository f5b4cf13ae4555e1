package constants

import "time"

// Default configuration constants
const (
	// DefaultBaudRate is the serial speed used when a printer is added
	// without an explicit rate. 115200 is the Marlin/Prusa default.
	DefaultBaudRate = 115200

	// SnapshotFile is the default path of the fleet snapshot document.
	SnapshotFile = "printers_config.json"

	// MaxSDNameSuffixes is the number of suffix slots (_0 .. _9) available
	// for SD filenames sharing the same six-character base.
	MaxSDNameSuffixes = 10

	// UploadEfficiencyFactor scales the theoretical line rate down to the
	// throughput actually observed during checksummed SD uploads.
	UploadEfficiencyFactor = 0.35
)

// Timing constants for the monitor/transaction handover
//
// The serial port has exactly one owner at a time. Exclusive operations
// follow a strict sequence:
//  1. The monitor runner is signalled to stop and joined.
//  2. Both serial buffers are flushed.
//  3. The firmware is given time to finish any command it already read.
//  4. The transaction runs, then the monitor is restarted.
//
// Skipping the settle window lets trailing poll responses interleave with
// the transaction's solicited replies and corrupts SD uploads.
const (
	// MonitorInterval is the poll cadence of the monitor runner.
	MonitorInterval = 1 * time.Second

	// DrainTimeout is how long a drain read waits before the inbound
	// buffer is considered empty and a poll may be issued.
	DrainTimeout = 100 * time.Millisecond

	// ReadTimeout bounds every response-line read. It replaces the
	// iteration-count bound the protocol is sometimes implemented with.
	ReadTimeout = 5 * time.Second

	// HandshakeTimeout is how long Open waits for any reply to M115.
	HandshakeTimeout = 1 * time.Second

	// StopJoinTimeout is how long a quiesce waits for the monitor runner
	// to exit before proceeding regardless.
	StopJoinTimeout = 5 * time.Second

	// FirmwareSettleDelay is the post-stop wait for the firmware to finish
	// processing trailing commands before an exclusive sequence starts.
	FirmwareSettleDelay = 10 * time.Second

	// CommandSettleDelay is the pause after M110 and M28 during an SD
	// upload. Streaming immediately after M28 breaks some firmwares.
	CommandSettleDelay = 2 * time.Second

	// IdleStalenessLimit is how long the runner keeps polling without an
	// idle report before the printer is declared disconnected.
	IdleStalenessLimit = 10 * time.Second
)
