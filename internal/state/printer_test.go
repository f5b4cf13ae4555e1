package state

import (
	"sync"
	"testing"
	"time"

	"github.com/xnekj/printfleet/internal/protocol"
	"github.com/xnekj/printfleet/internal/transport"
)

func newTestPrinter() *Printer {
	return New("p1", transport.New("/dev/ttyTEST", 115200))
}

func TestQueueRemoveLastOccurrence(t *testing.T) {
	p := newTestPrinter()
	p.Enqueue("a")
	p.Enqueue("b")
	p.Enqueue("a")

	if !p.RemoveLastOccurrence("a") {
		t.Fatal("expected removal to succeed")
	}
	got := p.Queue()
	want := []string{"a", "b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("queue = %v, want %v", got, want)
	}

	if p.RemoveLastOccurrence("missing") {
		t.Error("removal of an absent path must report false")
	}
}

func TestQueuePopFront(t *testing.T) {
	p := newTestPrinter()
	if _, ok := p.PopFront(); ok {
		t.Fatal("pop on empty queue must fail")
	}
	p.Enqueue("first")
	p.Enqueue("second")
	head, ok := p.PopFront()
	if !ok || head != "first" {
		t.Errorf("PopFront = %q, %v; want first", head, ok)
	}
	if p.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", p.QueueLen())
	}
}

func TestClaimNextJob(t *testing.T) {
	p := newTestPrinter()
	p.InitConnected()

	if _, err := p.ClaimNextJob(); err != ErrQueueEmpty {
		t.Fatalf("empty queue: got %v, want ErrQueueEmpty", err)
	}

	p.Enqueue("a")
	p.Enqueue("b")
	path, err := p.ClaimNextJob()
	if err != nil || path != "a" {
		t.Fatalf("ClaimNextJob = %q, %v; want a, nil", path, err)
	}
	if !p.JobActive() || p.ModelRemoved() {
		t.Error("a claim must mark the job active and drop model-removed")
	}
	if _, err := p.ClaimNextJob(); err != ErrAlreadyPrinting {
		t.Errorf("second claim: got %v, want ErrAlreadyPrinting", err)
	}

	// An undone claim restores the head and releases the printer.
	p.UnclaimJob(path)
	got := p.Queue()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("queue after unclaim = %v, want [a b]", got)
	}
	if p.JobActive() || !p.ModelRemoved() {
		t.Error("unclaim must release the printer")
	}

	p.SetJobError(true)
	if _, err := p.ClaimNextJob(); err != ErrJobFailed {
		t.Errorf("sticky job error: got %v, want ErrJobFailed", err)
	}
	p.SetJobError(false)

	p.SetModelRemoved(false)
	if _, err := p.ClaimNextJob(); err != ErrModelNotRemoved {
		t.Errorf("model on bed: got %v, want ErrModelNotRemoved", err)
	}
	p.SetModelRemoved(true)

	p.SetStatus(StatusPrinting)
	if _, err := p.ClaimNextJob(); err != ErrAlreadyPrinting {
		t.Errorf("printing status: got %v, want ErrAlreadyPrinting", err)
	}
}

func TestClaimNextJobConcurrent(t *testing.T) {
	p := newTestPrinter()
	p.InitConnected()
	p.Enqueue("a")
	p.Enqueue("b")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var claimed []string
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if path, err := p.ClaimNextJob(); err == nil {
				mu.Lock()
				claimed = append(claimed, path)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 1 || claimed[0] != "a" {
		t.Errorf("claimed = %v, want exactly [a]", claimed)
	}
	if p.QueueLen() != 1 {
		t.Errorf("queue length = %d, want 1", p.QueueLen())
	}
}

func TestApplySDProgress(t *testing.T) {
	p := newTestPrinter()
	now := time.Now()

	p.Apply(protocol.Parse("SD printing byte 1024/4096"), now)
	snap := p.Snapshot()
	if snap.Status != StatusPrinting {
		t.Errorf("status = %q, want %q", snap.Status, StatusPrinting)
	}
	if snap.CurrentByte != 1024 || snap.TotalByte != 4096 {
		t.Errorf("bytes = %d/%d, want 1024/4096", snap.CurrentByte, snap.TotalByte)
	}
}

func TestPrintTimeGatedOnPrinting(t *testing.T) {
	p := newTestPrinter()
	now := time.Now()

	p.Apply(protocol.Parse("echo:Print time: 5m 10s"), now)
	if snap := p.Snapshot(); snap.ElapsedSeconds != 0 {
		t.Errorf("print time accepted while not printing: %+v", snap)
	}

	p.SetStatus(StatusPrinting)
	p.Apply(protocol.Parse("echo:Print time: 5m 10s"), now)
	snap := p.Snapshot()
	if snap.ElapsedSeconds != 310 {
		t.Errorf("elapsed = %d, want 310", snap.ElapsedSeconds)
	}
	if snap.PrintTime != "5m 10s" {
		t.Errorf("print time = %q, want 5m 10s", snap.PrintTime)
	}
}

func TestByteDerivedPercent(t *testing.T) {
	p := newTestPrinter()
	now := time.Now()
	p.SetStatus(StatusPrinting)
	p.Apply(protocol.Parse("SD printing byte 1024/4096"), now)
	p.Apply(protocol.Parse("echo:Print time: 2m 0s"), now)

	snap := p.Snapshot()
	if snap.Percent != "25%" {
		t.Errorf("percent = %q, want 25%%", snap.Percent)
	}
	if snap.TimeRemaining != RemainingCalculating {
		t.Errorf("time remaining = %q, want %q", snap.TimeRemaining, RemainingCalculating)
	}
}

func TestPrusaPercentOverridesBytes(t *testing.T) {
	p := newTestPrinter()
	now := time.Now()
	p.SetStatus(StatusPrinting)
	p.Apply(protocol.Parse("SD printing byte 1024/4096"), now)
	p.Apply(protocol.Parse("echo:Print time: 2m 0s"), now)
	p.Apply(protocol.Parse("NORMAL MODE: Percent done: 42; print time remaining in mins: 90"), now)

	snap := p.Snapshot()
	if snap.Percent != "42%" {
		t.Errorf("percent = %q, want 42%%", snap.Percent)
	}
	if snap.TimeRemaining != "1h 30m" {
		t.Errorf("time remaining = %q, want 1h 30m", snap.TimeRemaining)
	}
}

func TestPercentBeforeAnySample(t *testing.T) {
	p := newTestPrinter()
	p.SetStatus(StatusPrinting)
	p.Apply(protocol.Parse("SD printing byte 0/4096"), time.Now())
	if snap := p.Snapshot(); snap.Percent != "0%" {
		t.Errorf("percent = %q, want 0%% before the first time sample", snap.Percent)
	}
}

func TestClampOnIdleAfterPrint(t *testing.T) {
	p := newTestPrinter()
	now := time.Now()
	p.SetStatus(StatusPrinting)
	p.Apply(protocol.Parse("SD printing byte 4000/4096"), now)
	p.Apply(protocol.Parse("echo:Print time: 1h 0m 0s"), now)

	p.Apply(protocol.Parse("Not SD printing"), now)
	snap := p.Snapshot()
	if snap.CurrentByte != snap.TotalByte {
		t.Errorf("current byte %d not clamped to total %d", snap.CurrentByte, snap.TotalByte)
	}
	if snap.Percent != "100%" {
		t.Errorf("percent = %q, want 100%%", snap.Percent)
	}
	if snap.TimeRemaining != RemainingCompleted {
		t.Errorf("time remaining = %q, want %q", snap.TimeRemaining, RemainingCompleted)
	}
	if snap.Status != StatusIdle {
		t.Errorf("status = %q, want %q", snap.Status, StatusIdle)
	}
}

func TestIdleStampsLiveness(t *testing.T) {
	p := newTestPrinter()
	now := time.Now()
	p.Apply(protocol.Parse("Not SD printing"), now)
	if !p.LastIdleSeen().Equal(now) {
		t.Errorf("idle timestamp = %v, want %v", p.LastIdleSeen(), now)
	}
}

func TestResetJob(t *testing.T) {
	p := newTestPrinter()
	p.SetStatus(StatusPrinting)
	p.Apply(protocol.Parse("SD printing byte 10/100"), time.Now())
	p.SetStaged("/tmp/a.gcode", "A00000_0.GCO")
	p.SetJobError(true)
	p.SetUploadProgress("1m 5s", "0s")

	p.ResetJob()
	snap := p.Snapshot()
	if snap.CurrentByte != 0 || snap.TotalByte != 0 {
		t.Error("byte progress not cleared")
	}
	if snap.StagedLocalPath != "" || snap.StagedSDName != "" {
		t.Error("staged file not cleared")
	}
	if snap.JobError {
		t.Error("job error not cleared")
	}
	if !snap.ModelRemoved {
		t.Error("model-removed must be set after reset")
	}
	if snap.SDUploadElapsed != "" || snap.SDUploadRemaining != "" {
		t.Error("upload progress not cleared")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	p := newTestPrinter()
	p.Enqueue("a")
	snap := p.Snapshot()
	snap.Queue[0] = "mutated"
	if p.Queue()[0] != "a" {
		t.Error("snapshot queue aliases the live queue")
	}
}
