// Package state holds the per-printer record: identity, queue, staged
// file and telemetry. It is purely a data holder; all serial I/O happens
// in the monitor and transaction layers, which feed results in here.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xnekj/printfleet/internal/protocol"
	"github.com/xnekj/printfleet/internal/transport"
)

// Printer status values, verbatim from the firmware's vocabulary where
// one exists ("Not SD printing" is the idle report of M27).
const (
	StatusDisconnected = "Disconnected"
	StatusIdle         = "Not SD printing"
	StatusUploading    = "Uploading to SD card"
	StatusPrinting     = "SD printing"
	StatusUnknown      = "Unknown"
)

// Sentinels used in the time-remaining field.
const (
	RemainingCompleted   = "Printing Completed"
	RemainingCalculating = "Calculating..."
)

// Telemetry is the copy-out snapshot handed to readers. Zero string
// fields mean "no sample yet".
type Telemetry struct {
	Name string
	Port string
	Baud int

	Status     string
	HasTemps   bool
	HotendTemp float64
	BedTemp    float64

	CurrentByte    int64
	TotalByte      int64
	ElapsedSeconds int
	PrintTime      string
	TimeRemaining  string
	Percent        string

	SDUploadElapsed   string
	SDUploadRemaining string

	Queue           []string
	StagedLocalPath string
	StagedSDName    string
	ModelRemoved    bool
	JobError        bool
}

// Printer is one fleet member. A single mutex guards every mutable field;
// holders never perform I/O under it.
type Printer struct {
	name string
	tr   *transport.Transport

	mu     sync.Mutex
	queue  []string
	status string

	hasTemps   bool
	hotendTemp float64
	bedTemp    float64

	currentByte    int64
	totalByte      int64
	elapsedSeconds int
	printTime      string
	timeRemaining  string
	percent        string

	prusaPercent       int
	prusaRemainingMins int

	sdUploadElapsed   string
	sdUploadRemaining string

	stagedLocalPath string
	stagedSDName    string
	modelRemoved    bool
	jobError        bool
	jobActive       bool

	lastIdleAt time.Time
}

// New creates a printer record around an unopened transport.
func New(name string, tr *transport.Transport) *Printer {
	return &Printer{
		name:   name,
		tr:     tr,
		status: StatusUnknown,
	}
}

func (p *Printer) Name() string                    { return p.name }
func (p *Printer) Transport() *transport.Transport { return p.tr }

func (p *Printer) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Printer) SetStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

// InitConnected resets the record to the state of a freshly connected
// printer: clear bed, no error, empty queue.
func (p *Printer) InitConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modelRemoved = true
	p.jobError = false
	p.queue = nil
}

// Enqueue appends a file path to the print queue.
func (p *Printer) Enqueue(path string) {
	p.mu.Lock()
	p.queue = append(p.queue, path)
	p.mu.Unlock()
}

// RemoveLastOccurrence removes the last occurrence of path from the
// queue and reports whether one was found.
func (p *Printer) RemoveLastOccurrence(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.queue) - 1; i >= 0; i-- {
		if p.queue[i] == path {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

// PopFront removes and returns the head of the queue.
func (p *Printer) PopFront() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", false
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	return head, true
}

// Queue returns a copy of the pending file paths in order.
func (p *Printer) Queue() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.queue))
	copy(out, p.queue)
	return out
}

func (p *Printer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Printer) SetQueue(paths []string) {
	p.mu.Lock()
	p.queue = append([]string(nil), paths...)
	p.mu.Unlock()
}

func (p *Printer) Staged() (localPath, sdName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stagedLocalPath, p.stagedSDName
}

func (p *Printer) SetStaged(localPath, sdName string) {
	p.mu.Lock()
	p.stagedLocalPath = localPath
	p.stagedSDName = sdName
	p.mu.Unlock()
}

func (p *Printer) ModelRemoved() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modelRemoved
}

func (p *Printer) SetModelRemoved(removed bool) {
	p.mu.Lock()
	p.modelRemoved = removed
	p.mu.Unlock()
}

func (p *Printer) JobError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobError
}

func (p *Printer) SetJobError(failed bool) {
	p.mu.Lock()
	p.jobError = failed
	p.mu.Unlock()
}

// Reasons ClaimNextJob can refuse to start a job.
var (
	ErrModelNotRemoved = errors.New("model has not been removed")
	ErrJobFailed       = errors.New("previous job failed")
	ErrAlreadyPrinting = errors.New("a print is already running")
	ErrQueueEmpty      = errors.New("queue is empty")
)

// ClaimNextJob atomically checks the preconditions for starting the next
// job and, when they hold, claims the printer: the queue head is popped,
// model-removed drops and the job worker owns the record. Check and
// claim happen under one lock acquisition so concurrent callers cannot
// both pass the guards.
func (p *Printer) ClaimNextJob() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobActive || p.status == StatusPrinting {
		return "", ErrAlreadyPrinting
	}
	if !p.modelRemoved {
		return "", ErrModelNotRemoved
	}
	if p.jobError {
		return "", ErrJobFailed
	}
	if len(p.queue) == 0 {
		return "", ErrQueueEmpty
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	p.modelRemoved = false
	p.jobActive = true
	return head, nil
}

// UnclaimJob undoes a claim whose work item could not be handed to the
// worker: the path goes back to the head of the queue and the printer is
// released.
func (p *Printer) UnclaimJob(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append([]string{path}, p.queue...)
	p.jobActive = false
	p.modelRemoved = true
}

// JobActive reports whether a print-job worker currently owns the
// printer (upload or print startup in flight).
func (p *Printer) JobActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobActive
}

func (p *Printer) SetJobActive(active bool) {
	p.mu.Lock()
	p.jobActive = active
	p.mu.Unlock()
}

// SetUploadProgress stores the human-readable elapsed/remaining strings
// maintained while streaming a file to the SD card.
func (p *Printer) SetUploadProgress(elapsed, remaining string) {
	p.mu.Lock()
	p.sdUploadElapsed = elapsed
	p.sdUploadRemaining = remaining
	p.mu.Unlock()
}

// MarkIdleSeen stamps the liveness clock. The monitor calls it on start
// so a freshly resumed loop does not trip the staleness check.
func (p *Printer) MarkIdleSeen(now time.Time) {
	p.mu.Lock()
	p.lastIdleAt = now
	p.mu.Unlock()
}

func (p *Printer) LastIdleSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastIdleAt
}

// ClearTemps zeroes the temperature samples, used when the printer drops
// off the port.
func (p *Printer) ClearTemps() {
	p.mu.Lock()
	p.hasTemps = false
	p.hotendTemp = 0
	p.bedTemp = 0
	p.mu.Unlock()
}

// ResetJob clears every per-job field after the bed has been cleared:
// progress, staged file, error flag. The printer is ready for the next
// queue entry afterwards.
func (p *Printer) ResetJob() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobError = false
	p.currentByte = 0
	p.totalByte = 0
	p.elapsedSeconds = 0
	p.printTime = ""
	p.timeRemaining = ""
	p.percent = ""
	p.prusaPercent = 0
	p.prusaRemainingMins = 0
	p.sdUploadElapsed = ""
	p.sdUploadRemaining = ""
	p.stagedLocalPath = ""
	p.stagedSDName = ""
	p.modelRemoved = true
}

// Apply folds one parsed report into the telemetry. Print-time samples
// are only accepted while an SD print is running; everything is then
// re-derived so percent and time-remaining stay consistent.
func (p *Printer) Apply(r protocol.Report, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.HasPrintTime && p.status == StatusPrinting {
		switch {
		case r.Hours > 0:
			p.printTime = fmt.Sprintf("%dh %dm %ds", r.Hours, r.Minutes, r.Seconds)
		case r.Minutes > 0:
			p.printTime = fmt.Sprintf("%dm %ds", r.Minutes, r.Seconds)
		default:
			p.printTime = fmt.Sprintf("%ds", r.Seconds)
		}
		p.elapsedSeconds = r.Hours*3600 + r.Minutes*60 + r.Seconds
	}

	if r.HasRemaining {
		p.prusaPercent = r.PercentDone
		if r.RemainingMins > 0 {
			p.prusaRemainingMins = r.RemainingMins
		}
	}

	if r.HasTemp {
		p.hasTemps = true
		p.hotendTemp = r.HotendTemp
		p.bedTemp = r.BedTemp
	}

	if r.HasSDProgress {
		p.currentByte = r.CurrentByte
		p.totalByte = r.TotalByte
		p.status = StatusPrinting
	}

	if r.Idle {
		p.status = StatusIdle
		p.lastIdleAt = now
	}

	p.deriveProgress()
}

// deriveProgress recomputes percent and time-remaining from the current
// samples. Prusa reports win over byte-derived estimates. Callers hold
// the mutex.
func (p *Printer) deriveProgress() {
	if p.totalByte == 0 || p.elapsedSeconds == 0 {
		p.timeRemaining = "0s"
		p.percent = "0%"
		return
	}

	if p.currentByte >= p.totalByte || p.status == StatusIdle {
		// Firmware sometimes reports a final byte short of the total.
		p.currentByte = p.totalByte
		p.percent = "100%"
		p.timeRemaining = RemainingCompleted
		return
	}

	if p.prusaPercent > 0 {
		p.percent = fmt.Sprintf("%d%%", p.prusaPercent)
	} else {
		p.percent = fmt.Sprintf("%d%%", int(float64(p.currentByte)/float64(p.totalByte)*100))
	}

	if p.prusaRemainingMins > 0 {
		remaining := p.prusaRemainingMins * 60
		switch {
		case remaining > 3600:
			p.timeRemaining = fmt.Sprintf("%dh %dm", remaining/3600, remaining%3600/60)
		case remaining > 60:
			p.timeRemaining = fmt.Sprintf("%dm", remaining/60)
		case remaining > 0 && p.status == StatusPrinting:
			p.timeRemaining = fmt.Sprintf("%ds", remaining)
		default:
			p.timeRemaining = RemainingCompleted
		}
	} else {
		p.timeRemaining = RemainingCalculating
	}
}

// Restore rehydrates the mutable fields from a persisted snapshot entry.
func (p *Printer) Restore(status string, queue []string, currentByte, totalByte int64,
	elapsedSeconds int, sdElapsed, sdRemaining, stagedLocal, stagedSD string,
	modelRemoved, jobError bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status != "" {
		p.status = status
	}
	p.queue = append([]string(nil), queue...)
	p.currentByte = currentByte
	p.totalByte = totalByte
	p.elapsedSeconds = elapsedSeconds
	p.sdUploadElapsed = sdElapsed
	p.sdUploadRemaining = sdRemaining
	p.stagedLocalPath = stagedLocal
	p.stagedSDName = stagedSD
	p.modelRemoved = modelRemoved
	p.jobError = jobError
}

// Snapshot copies the whole record out under the lock.
func (p *Printer) Snapshot() Telemetry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Telemetry{
		Name:              p.name,
		Port:              p.tr.Device(),
		Baud:              p.tr.Baud(),
		Status:            p.status,
		HasTemps:          p.hasTemps,
		HotendTemp:        p.hotendTemp,
		BedTemp:           p.bedTemp,
		CurrentByte:       p.currentByte,
		TotalByte:         p.totalByte,
		ElapsedSeconds:    p.elapsedSeconds,
		PrintTime:         p.printTime,
		TimeRemaining:     p.timeRemaining,
		Percent:           p.percent,
		SDUploadElapsed:   p.sdUploadElapsed,
		SDUploadRemaining: p.sdUploadRemaining,
		Queue:             append([]string(nil), p.queue...),
		StagedLocalPath:   p.stagedLocalPath,
		StagedSDName:      p.stagedSDName,
		ModelRemoved:      p.modelRemoved,
		JobError:          p.jobError,
	}
}
