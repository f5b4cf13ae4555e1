// Package monitor runs the per-printer polling loop. One runner owns the
// serial port between transactions: it drains unsolicited lines, polls
// for status, temperatures and print time, and folds every reply into
// the printer record.
package monitor

import (
	"sync"
	"time"

	"github.com/xnekj/printfleet/internal/constants"
	"github.com/xnekj/printfleet/internal/interfaces"
	"github.com/xnekj/printfleet/internal/logging"
	"github.com/xnekj/printfleet/internal/protocol"
	"github.com/xnekj/printfleet/internal/state"
)

// pollCommands are issued once per cycle, in order: SD status,
// temperatures, print time.
var pollCommands = []string{"M27", "M105", "M31"}

// Config holds the knobs for one runner.
type Config struct {
	Printer  *state.Printer
	Logger   interfaces.Logger
	Observer interfaces.Observer // may be nil

	// Interval overrides the poll cadence; zero means the default.
	Interval time.Duration

	// Staleness overrides the idle-report liveness limit; zero means the
	// default.
	Staleness time.Duration

	// NoPolling disables the outbound poll commands when true, leaving a
	// pure drain loop. The default (false) is to poll.
	NoPolling bool
}

// Runner is the monitor loop for a single printer.
type Runner struct {
	printer   *state.Printer
	logger    interfaces.Logger
	observer  interfaces.Observer
	interval  time.Duration
	staleness time.Duration
	polling   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRunner creates a runner; Start actually launches the loop.
func NewRunner(config Config) *Runner {
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = constants.MonitorInterval
	}
	staleness := config.Staleness
	if staleness <= 0 {
		staleness = constants.IdleStalenessLimit
	}
	return &Runner{
		printer:   config.Printer,
		logger:    logger,
		observer:  config.Observer,
		interval:  interval,
		staleness: staleness,
		polling:   !config.NoPolling,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (r *Runner) Start() {
	r.logger.Debugf("monitor for %s starting", r.printer.Name())
	go r.loop()
}

// Stop signals the loop and waits up to timeout for it to exit. It
// returns false when the join timed out; callers proceed regardless.
func (r *Runner) Stop(timeout time.Duration) bool {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
		return true
	case <-time.After(timeout):
		r.logger.Printf("monitor for %s did not stop within %v", r.printer.Name(), timeout)
		return false
	}
}

// Done is closed when the loop has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.doneCh
}

// Alive reports whether the loop is still running.
func (r *Runner) Alive() bool {
	select {
	case <-r.doneCh:
		return false
	default:
		return true
	}
}

func (r *Runner) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or until the stop signal; false means stop.
func (r *Runner) sleep(d time.Duration) bool {
	select {
	case <-r.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Runner) loop() {
	defer close(r.doneCh)

	p := r.printer
	tr := p.Transport()

	// A freshly started loop has not seen an idle report yet; start the
	// staleness clock now instead of tripping it immediately.
	p.MarkIdleSeen(time.Now())

	for {
		if r.stopped() {
			return
		}

		// Drain every waiting inbound line before anything is sent, so
		// solicited responses are never split across poll cycles.
		for {
			line, ok := tr.ReadLine(constants.DrainTimeout)
			if !ok {
				break
			}
			if line == "" {
				continue
			}
			if rep := protocol.Parse(line); !rep.Empty() {
				p.Apply(rep, time.Now())
			}
		}

		if !tr.Connected() {
			r.disconnect("serial I/O failed")
			return
		}

		// Liveness: a printer that claims to be idle answers M27 every
		// cycle. Silence longer than the limit means the device is gone.
		if p.Status() == state.StatusIdle &&
			time.Since(p.LastIdleSeen()) > r.staleness {
			tr.MarkDisconnected()
			r.disconnect("idle reports stopped")
			return
		}

		if !r.polling {
			if !r.sleep(r.interval) {
				return
			}
			continue
		}

		for _, cmd := range pollCommands {
			if err := tr.Write(cmd); err != nil {
				if r.observer != nil {
					r.observer.ObservePoll(false)
				}
				r.disconnect("poll write failed")
				return
			}
			if r.observer != nil {
				r.observer.ObservePoll(true)
			}
			if !r.sleep(r.interval) {
				return
			}
		}
	}
}

func (r *Runner) disconnect(reason string) {
	p := r.printer
	p.SetStatus(state.StatusDisconnected)
	p.ClearTemps()
	if r.observer != nil {
		r.observer.ObserveDisconnect()
	}
	r.logger.Printf("monitor for %s stopped: %s", p.Name(), reason)
}
