package transport

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xnekj/printfleet/internal/interfaces"
)

// scriptPort is a minimal in-memory port. Writes are recorded; each write
// queues the scripted reply for that command onto the read side.
type scriptPort struct {
	mu      sync.Mutex
	writes  []string
	replies map[string][]string
	buf     bytes.Buffer
	closed  bool
	failRW  bool
}

func newScriptPort() *scriptPort {
	return &scriptPort{replies: make(map[string][]string)}
}

func (p *scriptPort) reply(cmd string, lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[cmd] = lines
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRW {
		return 0, errors.New("write: input/output error")
	}
	cmd := strings.TrimSpace(string(b))
	p.writes = append(p.writes, cmd)
	key := cmd
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		key = cmd[:i]
	}
	lines, ok := p.replies[key]
	if !ok {
		lines = nil
	}
	for _, l := range lines {
		p.buf.WriteString(l + "\n")
	}
	p.buf.WriteString("ok\n")
	return len(b), nil
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRW {
		return 0, errors.New("read: input/output error")
	}
	if p.buf.Len() == 0 {
		return 0, nil // simulated read timeout
	}
	return p.buf.Read(b)
}

func (p *scriptPort) SetReadTimeout(time.Duration) error { return nil }
func (p *scriptPort) ResetInputBuffer() error            { p.buf.Reset(); return nil }
func (p *scriptPort) ResetOutputBuffer() error           { return nil }
func (p *scriptPort) Close() error                       { p.closed = true; return nil }

func openWith(p *scriptPort) Opener {
	return func(string, int) (interfaces.Port, error) { return p, nil }
}

func TestOpenHandshake(t *testing.T) {
	port := newScriptPort()
	port.reply("M115", "FIRMWARE_NAME:Marlin 2.1.2")

	tr := NewWithOpener("/dev/ttyTEST", 115200, openWith(port))
	if err := tr.Open(); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if !tr.Connected() {
		t.Error("expected connected after handshake")
	}
	if len(port.writes) == 0 || port.writes[0] != "M115" {
		t.Errorf("expected M115 handshake, got writes %v", port.writes)
	}
}

func TestOpenFailure(t *testing.T) {
	tr := NewWithOpener("/dev/ttyTEST", 115200, func(string, int) (interfaces.Port, error) {
		return nil, errors.New("no such device")
	})
	err := tr.Open()
	if !errors.Is(err, ErrOpenFailed) {
		t.Errorf("expected ErrOpenFailed, got %v", err)
	}
	if tr.Connected() {
		t.Error("must not be connected after a failed open")
	}
}

func TestOpenSilentDevice(t *testing.T) {
	silent := &silentPort{}
	tr := NewWithOpener("/dev/ttyTEST", 115200, func(string, int) (interfaces.Port, error) {
		return silent, nil
	})
	if err := tr.Open(); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("expected ErrHandshakeFailed, got %v", err)
	}
	if !silent.closed {
		t.Error("handle must be closed after a failed handshake")
	}
}

type silentPort struct{ closed bool }

func (p *silentPort) Write(b []byte) (int, error)          { return len(b), nil }
func (p *silentPort) Read(b []byte) (int, error)           { return 0, nil }
func (p *silentPort) SetReadTimeout(time.Duration) error   { return nil }
func (p *silentPort) ResetInputBuffer() error              { return nil }
func (p *silentPort) ResetOutputBuffer() error             { return nil }
func (p *silentPort) Close() error                         { p.closed = true; return nil }

func mustOpen(t *testing.T, port *scriptPort) *Transport {
	t.Helper()
	port.reply("M115", "FIRMWARE_NAME:Marlin 2.1.2")
	tr := NewWithOpener("/dev/ttyTEST", 115200, openWith(port))
	if err := tr.Open(); err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return tr
}

func TestSendCollectsUntilOK(t *testing.T) {
	port := newScriptPort()
	tr := mustOpen(t, port)

	port.reply("M20", "Begin file list", "PART01_0.GCO 1024", "End file list")
	lines, err := tr.Send("M20")
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	want := []string{"Begin file list", "PART01_0.GCO 1024", "End file list"}
	if len(lines) != len(want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestSendOnClosedDevice(t *testing.T) {
	tr := New("/dev/ttyTEST", 115200)
	if _, err := tr.Send("M105"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendIOFailureDisconnects(t *testing.T) {
	port := newScriptPort()
	tr := mustOpen(t, port)

	port.mu.Lock()
	port.failRW = true
	port.mu.Unlock()

	lines, err := tr.Send("M105")
	if err != nil {
		t.Fatalf("I/O failure must not surface as an error, got %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected empty reply, got %v", lines)
	}
	if tr.Connected() {
		t.Error("I/O failure must mark the transport disconnected")
	}
}

func TestReadLineDrainsPartialWrites(t *testing.T) {
	port := newScriptPort()
	tr := mustOpen(t, port)

	port.mu.Lock()
	port.buf.WriteString("T:210.0 /210.0 B:60.0 /60.0\nNot SD prin")
	port.mu.Unlock()

	line, ok := tr.ReadLine(50 * time.Millisecond)
	if !ok || line != "T:210.0 /210.0 B:60.0 /60.0" {
		t.Fatalf("ReadLine = %q, %v", line, ok)
	}
	// The partial line stays pending until its newline arrives.
	if _, ok := tr.ReadLine(50 * time.Millisecond); ok {
		t.Error("partial line must not be returned")
	}
	port.mu.Lock()
	port.buf.WriteString("ting\n")
	port.mu.Unlock()
	line, ok = tr.ReadLine(50 * time.Millisecond)
	if !ok || line != "Not SD printing" {
		t.Fatalf("ReadLine after completion = %q, %v", line, ok)
	}
}
