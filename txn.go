package printfleet

import (
	"fmt"
	"time"

	"github.com/xnekj/printfleet/internal/monitor"
	"github.com/xnekj/printfleet/internal/state"
)

// startMonitor launches a monitor runner for the printer unless one is
// already alive. At most one runner exists per printer.
func (f *Fleet) startMonitor(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.printers[name]
	if !ok {
		return
	}
	if r := f.monitors[name]; r != nil && r.Alive() {
		return
	}
	r := monitor.NewRunner(monitor.Config{
		Printer:  p,
		Logger:   f.logger,
		Observer: f.observer,
		Interval: f.monitorInterval,
	})
	f.monitors[name] = r
	r.Start()
}

// quiesce takes the port away from the monitor: signal, join with the
// configured timeout, flush both serial buffers and let the firmware
// settle. A printer with no live monitor is already quiet; nothing is
// flushed or waited for then.
func (f *Fleet) quiesce(name string, p *state.Printer) {
	f.mu.Lock()
	r := f.monitors[name]
	f.mu.Unlock()

	if r == nil || !r.Alive() {
		return
	}
	r.Stop(f.joinTimeout)
	p.Transport().ResetBuffers()
	time.Sleep(f.settle)
}

// SendGcode passes one raw G-code command through to a printer and
// returns the reply lines. Debugging aid: the monitor is stopped for the
// exchange and resumed afterwards.
func (f *Fleet) SendGcode(name, gcode string) ([]string, error) {
	const op = "SEND"
	p := f.printer(name)
	if p == nil {
		return nil, f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}

	f.quiesce(name, p)
	defer f.startMonitor(name)

	start := time.Now()
	lines, err := p.Transport().Send(gcode)
	f.observer.ObserveCommand(uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		return nil, f.fail(WrapError(op, name, ErrCodeTransport, err))
	}
	return lines, nil
}

// PrintFromSD starts printing a file already resident on the printer's
// SD card.
func (f *Fleet) PrintFromSD(name, sdName string) error {
	const op = "PRINT_SD"
	p := f.printer(name)
	if p == nil {
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}
	return f.printFromSD(p, sdName)
}

func (f *Fleet) printFromSD(p *state.Printer, sdName string) error {
	const op = "PRINT_SD"
	name := p.Name()

	f.quiesce(name, p)
	defer f.startMonitor(name)

	p.SetModelRemoved(false)
	p.SetStatus(state.StatusPrinting)

	if _, err := p.Transport().Send("M32 " + sdName); err != nil {
		return f.fail(WrapError(op, name, ErrCodeTransport, err))
	}
	if !p.Transport().Connected() {
		return f.fail(NewPrinterError(op, name, ErrCodeTransport,
			"serial I/O failed while starting the print"))
	}
	f.persist()
	f.logger.Info("print started", "printer", name, "sd_file", sdName)
	return nil
}

// CancelPrint aborts the current job and parks the printer in a safe
// state: heaters and fan off, head lifted and homed, motors released.
// The job-error flag is set; the bed still holds whatever was printed,
// so RemoveModel must run before the next job.
func (f *Fleet) CancelPrint(name string) error {
	const op = "CANCEL"
	p := f.printer(name)
	if p == nil {
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}
	f.cancelPrint(p)
	return nil
}

func (f *Fleet) cancelPrint(p *state.Printer) {
	name := p.Name()

	f.quiesce(name, p)
	defer f.startMonitor(name)

	p.SetJobError(true)
	f.persist()

	tr := p.Transport()
	if p.Status() == state.StatusPrinting {
		tr.Send("M108") // break out of a wait-for-user
		tr.Send("M524") // Marlin: abort SD print
		tr.Send("M603") // Prusa: cancel
	}

	tr.Send("M29")         // stop writing to SD, if a write is open
	tr.Send("M104 S0")     // hotend off
	tr.Send("M140 S0")     // bed off
	tr.Send("M107")        // fan off
	tr.Send("G91")         // relative positioning
	tr.Send("G1 Z10 F300") // lift Z
	tr.Send("G90")         // absolute positioning
	tr.Send("G28 X Y")     // home X and Y
	tr.Send("M84")         // release motors

	f.observer.ObserveCancel()
	f.logger.Info("print cancelled", "printer", name)
}

// ListSDFiles returns the file entries on the printer's SD card, without
// the listing frame lines.
func (f *Fleet) ListSDFiles(name string) ([]string, error) {
	const op = "LIST_SD"
	p := f.printer(name)
	if p == nil {
		return nil, f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}

	f.quiesce(name, p)
	defer f.startMonitor(name)

	files, err := f.listSDFiles(p)
	if err != nil {
		return nil, f.fail(WrapError(op, name, ErrCodeTransport, err))
	}
	return files, nil
}

// listSDFiles issues M20 on an already-quiesced port and strips the
// "Begin file list"/"End file list" frame.
func (f *Fleet) listSDFiles(p *state.Printer) ([]string, error) {
	lines, err := p.Transport().Send("M20")
	if err != nil {
		return nil, err
	}
	if len(lines) < 2 {
		return nil, nil
	}
	return lines[1 : len(lines)-1], nil
}
