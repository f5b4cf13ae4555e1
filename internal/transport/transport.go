// Package transport wraps a single serial-attached printer. It frames no
// policy: it opens the device, writes lines, and reads reply lines until
// the firmware's "ok" or until the port goes idle.
package transport

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/xnekj/printfleet/internal/constants"
	"github.com/xnekj/printfleet/internal/interfaces"
	"github.com/xnekj/printfleet/internal/logging"
)

var (
	// ErrNotConnected is returned when a command is issued against a
	// transport whose device is closed.
	ErrNotConnected = errors.New("transport: device is not open")

	// ErrOpenFailed wraps the OS-level failure to open the device.
	ErrOpenFailed = errors.New("transport: cannot open device")

	// ErrHandshakeFailed means the device opened but never answered M115.
	ErrHandshakeFailed = errors.New("transport: no response to handshake")
)

// Opener produces a raw port for a device path. Production code uses
// OpenSerial; tests substitute scripted ports.
type Opener func(device string, baud int) (interfaces.Port, error)

// OpenSerial opens a real serial device via go.bug.st/serial.
func OpenSerial(device string, baud int) (interfaces.Port, error) {
	return serial.Open(device, &serial.Mode{BaudRate: baud})
}

// Transport owns one serial connection. All reads and writes go through
// it; ownership handover between the monitor runner and transactions is
// coordinated above this layer.
type Transport struct {
	device string
	baud   int
	opener Opener
	logger *logging.Logger

	mu        sync.Mutex
	port      interfaces.Port
	connected bool
	pending   []byte
}

// New creates a transport for a device path. The device is not opened
// until Open is called.
func New(device string, baud int) *Transport {
	return NewWithOpener(device, baud, OpenSerial)
}

// NewWithOpener creates a transport with a custom port opener.
func NewWithOpener(device string, baud int, opener Opener) *Transport {
	return &Transport{
		device: device,
		baud:   baud,
		opener: opener,
		logger: logging.Default(),
	}
}

// Device returns the device path the transport was created for.
func (t *Transport) Device() string { return t.device }

// Baud returns the configured baud rate.
func (t *Transport) Baud() int { return t.baud }

// Connected reports whether the last exchange with the device succeeded.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// MarkDisconnected records that the device stopped answering without
// closing the handle. The monitor uses it for liveness bookkeeping.
func (t *Transport) MarkDisconnected() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

// Open opens the device and performs the M115 handshake. ErrOpenFailed
// is returned when the device cannot be opened, ErrHandshakeFailed when
// it opens but stays silent.
func (t *Transport) Open() error {
	t.mu.Lock()
	if t.port != nil {
		t.mu.Unlock()
		return nil
	}
	port, err := t.opener(t.device, t.baud)
	if err != nil {
		t.connected = false
		t.mu.Unlock()
		return errors.Join(ErrOpenFailed, err)
	}
	t.port = port
	t.pending = nil
	t.mu.Unlock()

	if _, err := t.writeLine("M115"); err != nil {
		t.Close()
		return errors.Join(ErrOpenFailed, err)
	}
	if _, ok := t.ReadLine(constants.HandshakeTimeout); !ok {
		t.Close()
		return ErrHandshakeFailed
	}
	// Swallow the rest of the banner so the first real command does not
	// pick up a stale "ok".
	for {
		if _, ok := t.ReadLine(constants.DrainTimeout); !ok {
			break
		}
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.logger.Debug("device opened", "device", t.device, "baud", t.baud)
	return nil
}

// Close closes the device handle.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		_ = t.port.Close()
		t.port = nil
	}
	t.connected = false
	t.pending = nil
}

func (t *Transport) getPort() interfaces.Port {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

func (t *Transport) writeLine(line string) (int, error) {
	port := t.getPort()
	if port == nil {
		return 0, ErrNotConnected
	}
	n, err := port.Write([]byte(line + "\n"))
	if err != nil {
		t.MarkDisconnected()
	}
	return n, err
}

// Write sends one raw line without waiting for a reply. The monitor uses
// it for polls whose responses arrive on the next drain.
func (t *Transport) Write(line string) error {
	_, err := t.writeLine(line)
	return err
}

// ReadLine returns the next complete inbound line, trimmed, waiting up
// to timeout for it. The second result is false when no line arrived or
// the read failed; a read failure also flips the connected flag.
func (t *Transport) ReadLine(timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)
	for {
		t.mu.Lock()
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := string(t.pending[:i])
			t.pending = append(t.pending[:0], t.pending[i+1:]...)
			t.mu.Unlock()
			return strings.TrimSpace(line), true
		}
		port := t.port
		t.mu.Unlock()
		if port == nil {
			return "", false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false
		}
		_ = port.SetReadTimeout(remaining)
		n, err := port.Read(buf)
		if err != nil {
			t.MarkDisconnected()
			return "", false
		}
		if n == 0 {
			// Read timeout: the port is idle.
			return "", false
		}
		t.mu.Lock()
		t.pending = append(t.pending, buf[:n]...)
		t.mu.Unlock()
	}
}

// Send writes a command and collects reply lines until the firmware's
// bare "ok" or until the port goes idle. The collected lines never
// include the "ok" itself.
//
// I/O failures mark the transport disconnected and yield an empty reply
// rather than an error; only a closed device errors out.
func (t *Transport) Send(cmd string) ([]string, error) {
	if t.getPort() == nil {
		return nil, ErrNotConnected
	}
	t.logger.Debug("> " + cmd)
	if _, err := t.writeLine(cmd); err != nil {
		t.logger.Warn("serial write failed", "device", t.device, "error", err)
		return nil, nil
	}

	var lines []string
	for {
		line, ok := t.ReadLine(constants.ReadTimeout)
		if !ok {
			return lines, nil
		}
		if line == "ok" {
			return lines, nil
		}
		if line != "" {
			t.logger.Debug("< " + line)
			lines = append(lines, line)
		}
	}
}

// ResetBuffers discards everything pending in both directions, including
// partially accumulated inbound bytes.
func (t *Transport) ResetBuffers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	if t.port == nil {
		return
	}
	if err := t.port.ResetOutputBuffer(); err != nil {
		t.logger.Warn("flushing output buffer failed", "device", t.device, "error", err)
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		t.logger.Warn("flushing input buffer failed", "device", t.device, "error", err)
	}
}
