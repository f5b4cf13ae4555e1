package printfleet

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// MockPort provides a scripted in-memory serial port for testing. Every
// write is recorded; replies configured for the command (plus the
// firmware's "ok") are queued for the next reads. Reads return 0 bytes
// when nothing is queued, like a real port hitting its read timeout.
//
// This is useful for unit testing applications built on the fleet
// without attaching hardware.
type MockPort struct {
	mu            sync.Mutex
	writes        []string
	replies       map[string][]string
	prefixReplies []prefixReply
	buf           bytes.Buffer
	closed        bool
	failWrites    bool
}

type prefixReply struct {
	prefix string
	lines  []string
}

// NewMockPort creates a mock port that already answers the M115
// handshake like a Marlin board.
func NewMockPort() *MockPort {
	p := &MockPort{replies: make(map[string][]string)}
	p.Reply("M115", "FIRMWARE_NAME:Marlin 2.1.2 SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin")
	return p
}

// Reply scripts the response lines for a command, matched on the first
// token ("M20", "M28", ...). The trailing "ok" is implicit.
func (p *MockPort) Reply(cmd string, lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[cmd] = lines
}

// ReplyPrefix scripts response lines for any command starting with
// prefix, checked before the token table. Useful for checksummed upload
// lines ("N3 ").
func (p *MockPort) ReplyPrefix(prefix string, lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefixReplies = append(p.prefixReplies, prefixReply{prefix: prefix, lines: lines})
}

// FailWrites makes every subsequent write fail, simulating a yanked
// cable.
func (p *MockPort) FailWrites(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWrites = fail
}

// Writes returns every command written so far, trimmed.
func (p *MockPort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

// Wrote reports whether cmd was ever written (exact match after trim).
func (p *MockPort) Wrote(cmd string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.writes {
		if w == cmd {
			return true
		}
	}
	return false
}

// Inject queues raw inbound lines without a preceding write, simulating
// unsolicited firmware chatter.
func (p *MockPort) Inject(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		p.buf.WriteString(l + "\n")
	}
}

// Closed reports whether Close was called.
func (p *MockPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Write implements the port interface
func (p *MockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("mock port: closed")
	}
	if p.failWrites {
		return 0, errors.New("mock port: write failed")
	}
	cmd := strings.TrimSpace(string(b))
	p.writes = append(p.writes, cmd)

	for _, pr := range p.prefixReplies {
		if strings.HasPrefix(cmd, pr.prefix) {
			for _, l := range pr.lines {
				p.buf.WriteString(l + "\n")
			}
			p.buf.WriteString("ok\n")
			return len(b), nil
		}
	}

	token := cmd
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		token = cmd[:i]
	}
	for _, l := range p.replies[token] {
		p.buf.WriteString(l + "\n")
	}
	p.buf.WriteString("ok\n")
	return len(b), nil
}

// Read implements the port interface
func (p *MockPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("mock port: closed")
	}
	if p.buf.Len() == 0 {
		return 0, nil
	}
	return p.buf.Read(b)
}

func (p *MockPort) SetReadTimeout(time.Duration) error { return nil }

func (p *MockPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.Reset()
	return nil
}

func (p *MockPort) ResetOutputBuffer() error { return nil }

func (p *MockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
