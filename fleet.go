// Package printfleet manages a fleet of serial-attached 3D printers
// running Marlin/Prusa-family firmware. It owns one serial connection per
// printer, runs a monitor loop per printer, mediates every G-code
// transaction (connect, SD upload, print, cancel, delete) and exposes a
// thread-safe query/command API to upper layers.
package printfleet

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/xnekj/printfleet/internal/config"
	"github.com/xnekj/printfleet/internal/constants"
	"github.com/xnekj/printfleet/internal/logging"
	"github.com/xnekj/printfleet/internal/monitor"
	"github.com/xnekj/printfleet/internal/state"
	"github.com/xnekj/printfleet/internal/transport"
)

// SerialPort describes one OS-visible serial device.
type SerialPort struct {
	Device      string
	Description string
}

// PrinterStatus is the full copy-out view of one printer.
type PrinterStatus struct {
	Name string
	Port string
	Baud int

	Status     string
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

// Options configures a Fleet.
type Options struct {
	// SnapshotPath overrides the snapshot file location.
	SnapshotPath string

	// Logger for debug/info messages (if nil, the default logger is used)
	Logger *logging.Logger

	// Observer for metrics collection (if nil, uses no-op observer)
	Observer Observer

	// PortOpener substitutes the serial-port factory, for tests.
	PortOpener transport.Opener

	// Timing overrides. Zero values mean the production defaults; tests
	// shrink them so transactions do not sleep for real.
	StopJoinTimeout time.Duration
	FirmwareSettle  time.Duration
	CommandSettle   time.Duration
	MonitorInterval time.Duration
}

// Fleet is the fleet manager: the single owner of every printer record,
// monitor runner and job worker. Consumers never reach past it to a
// port.
type Fleet struct {
	logger   *logging.Logger
	observer Observer
	opener   transport.Opener
	path     string

	joinTimeout     time.Duration
	settle          time.Duration
	cmdSettle       time.Duration
	monitorInterval time.Duration

	mu       sync.Mutex
	printers map[string]*state.Printer
	monitors map[string]*monitor.Runner
	jobs     map[string]chan string
}

// New creates a fleet, loads the snapshot, reopens every persisted
// printer and resumes monitoring. Printers whose device cannot be opened
// come up as Disconnected and can be revived with ReconnectPrinter.
func New(opts *Options) *Fleet {
	if opts == nil {
		opts = &Options{}
	}
	f := &Fleet{
		logger:          opts.Logger,
		observer:        opts.Observer,
		opener:          opts.PortOpener,
		path:            opts.SnapshotPath,
		joinTimeout:     opts.StopJoinTimeout,
		settle:          opts.FirmwareSettle,
		cmdSettle:       opts.CommandSettle,
		monitorInterval: opts.MonitorInterval,
		printers:        make(map[string]*state.Printer),
		monitors:        make(map[string]*monitor.Runner),
		jobs:            make(map[string]chan string),
	}
	if f.logger == nil {
		f.logger = logging.Default()
	}
	if f.observer == nil {
		f.observer = NoOpObserver{}
	}
	if f.opener == nil {
		f.opener = transport.OpenSerial
	}
	if f.path == "" {
		f.path = config.DefaultPath
	}
	if f.joinTimeout <= 0 {
		f.joinTimeout = constants.StopJoinTimeout
	}
	if f.settle <= 0 {
		f.settle = constants.FirmwareSettleDelay
	}
	if f.cmdSettle <= 0 {
		f.cmdSettle = constants.CommandSettleDelay
	}

	f.restore(config.Load(f.path))
	return f
}

// restore rebuilds printer records from a snapshot document and brings
// each one back online where possible.
func (f *Fleet) restore(doc config.Document) {
	for name, e := range doc {
		baud := e.Baudrate
		if baud <= 0 {
			baud = constants.DefaultBaudRate
		}
		tr := transport.NewWithOpener(e.Port, baud, f.opener)
		p := state.New(name, tr)
		p.Restore(e.Status, e.Queue, e.CurrentByte, e.TotalByte, e.TimeSeconds,
			e.SDUploadTime, e.SDUploadTimeRemaining, e.CurrentFile, e.CurrentSDFile,
			e.ModelRemoved, e.JobStatusError)
		f.printers[name] = p
		f.startJobWorker(name)
	}

	for name, p := range f.printers {
		if err := p.Transport().Open(); err != nil {
			p.SetStatus(state.StatusDisconnected)
			f.logger.Warn("printer did not come back after restart",
				"printer", name, "port", p.Transport().Device(), "error", err)
			continue
		}
		if p.Status() == state.StatusDisconnected {
			p.SetStatus(state.StatusUnknown)
		}
		f.logger.Info("printer reconnected", "printer", name, "port", p.Transport().Device())
		f.startMonitor(name)
	}
}

// Close stops every monitor and job worker, closes every port and writes
// a final snapshot.
func (f *Fleet) Close() {
	f.persist()

	f.mu.Lock()
	monitors := f.monitors
	jobs := f.jobs
	printers := f.printers
	f.monitors = make(map[string]*monitor.Runner)
	f.jobs = make(map[string]chan string)
	f.mu.Unlock()

	for _, r := range monitors {
		r.Stop(f.joinTimeout)
	}
	for _, ch := range jobs {
		close(ch)
	}
	for _, p := range printers {
		p.Transport().Close()
	}
}

func (f *Fleet) printer(name string) *state.Printer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.printers[name]
}

// fail logs an error before handing it to the caller, so fire-and-forget
// callers that drop the return still leave a trace.
func (f *Fleet) fail(err error) error {
	if err != nil {
		f.logger.Error(err.Error())
	}
	return err
}

// ListSerialPorts enumerates serial devices the OS can describe.
func (f *Fleet) ListSerialPorts() ([]SerialPort, error) {
	infos, err := transport.ListPorts()
	if err != nil {
		return nil, f.fail(WrapError("LIST_PORTS", "", ErrCodeTransport, err))
	}
	ports := make([]SerialPort, 0, len(infos))
	for _, info := range infos {
		ports = append(ports, SerialPort{Device: info.Device, Description: info.Description})
	}
	return ports, nil
}

// ConnectPrinter opens a new printer and adds it to the fleet.
func (f *Fleet) ConnectPrinter(name, port string, baud int) error {
	const op = "CONNECT"
	if baud <= 0 {
		baud = constants.DefaultBaudRate
	}

	f.mu.Lock()
	if _, ok := f.printers[name]; ok {
		f.mu.Unlock()
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("printer %q is already connected", name)))
	}
	for _, p := range f.printers {
		if p.Transport().Device() == port {
			f.mu.Unlock()
			return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
				fmt.Sprintf("port %q is already connected to another printer", port)))
		}
	}
	// Reserve the name while the handshake runs so a racing connect for
	// the same name or port fails the duplicate check above.
	tr := transport.NewWithOpener(port, baud, f.opener)
	p := state.New(name, tr)
	f.printers[name] = p
	f.mu.Unlock()

	if err := tr.Open(); err != nil {
		f.mu.Lock()
		delete(f.printers, name)
		f.mu.Unlock()
		code := ErrCodeTransport
		if errors.Is(err, transport.ErrHandshakeFailed) {
			code = ErrCodeHandshake
		}
		return f.fail(WrapError(op, name, code, err))
	}

	p.InitConnected()
	f.persist()
	f.logger.Info("printer connected", "printer", name, "port", port, "baud", baud)
	f.startMonitor(name)
	f.startJobWorker(name)
	return nil
}

// RemovePrinter disconnects a printer and drops it from the fleet.
func (f *Fleet) RemovePrinter(name string) error {
	const op = "REMOVE"

	f.mu.Lock()
	p, ok := f.printers[name]
	if !ok {
		f.mu.Unlock()
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}
	r := f.monitors[name]
	ch := f.jobs[name]
	delete(f.printers, name)
	delete(f.monitors, name)
	delete(f.jobs, name)
	f.mu.Unlock()

	if r != nil {
		r.Stop(f.joinTimeout)
	}
	if ch != nil {
		close(ch)
	}
	p.Transport().Close()
	f.persist()
	f.logger.Info("printer removed", "printer", name)
	return nil
}

// ReconnectPrinter reopens a printer that dropped off its port.
func (f *Fleet) ReconnectPrinter(name string) error {
	const op = "RECONNECT"
	p := f.printer(name)
	if p == nil {
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}
	if p.Status() != state.StatusDisconnected {
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("printer %q is already connected", name)))
	}

	tr := p.Transport()
	tr.Close()
	if err := tr.Open(); err != nil {
		code := ErrCodeTransport
		if errors.Is(err, transport.ErrHandshakeFailed) {
			code = ErrCodeHandshake
		}
		return f.fail(WrapError(op, name, code, err))
	}

	p.SetStatus(state.StatusUnknown)
	f.persist()
	f.logger.Info("printer reconnected", "printer", name)
	f.startMonitor(name)
	return nil
}

// AddToQueue appends a local G-code file to a printer's queue.
func (f *Fleet) AddToQueue(name, path string) error {
	const op = "QUEUE_ADD"
	p := f.printer(name)
	if p == nil {
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}
	if _, err := os.Stat(path); err != nil {
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("file %q not found", path)))
	}
	p.Enqueue(path)
	f.persist()
	f.logger.Debug("queued file", "printer", name, "path", path)
	return nil
}

// RemoveFromQueue removes the last occurrence of path from a printer's
// queue. The file currently being printed cannot be removed.
func (f *Fleet) RemoveFromQueue(name, path string) error {
	const op = "QUEUE_REMOVE"
	p := f.printer(name)
	if p == nil {
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}
	staged, _ := p.Staged()
	if path == staged && (p.Status() == state.StatusPrinting || p.JobActive()) {
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("cannot remove file %q while it is being printed", path)))
	}
	if !p.RemoveLastOccurrence(path) {
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("file %q not found in queue", path)))
	}
	f.persist()
	f.logger.Debug("removed file from queue", "printer", name, "path", path)
	return nil
}

// PrintGcode appends a file to the queue and then runs PrintNext, which
// starts the queue head: the file itself starts only when the queue was
// empty before the call.
func (f *Fleet) PrintGcode(name, path string) error {
	if err := f.AddToQueue(name, path); err != nil {
		return err
	}
	return f.PrintNext(name)
}

// PrintNext pops the head of the queue and hands it to the printer's job
// worker, which uploads to SD and starts the print in the background.
// Failures of that background work are reported through the job-error
// flag in the telemetry, not here.
func (f *Fleet) PrintNext(name string) error {
	const op = "PRINT_NEXT"
	f.mu.Lock()
	p, ok := f.printers[name]
	ch := f.jobs[name]
	f.mu.Unlock()
	if !ok {
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}

	// Check-and-claim is one atomic step on the record, so two racing
	// callers cannot both pass the guards and each pop a queue entry.
	path, err := p.ClaimNextJob()
	if err != nil {
		var msg string
		switch err {
		case state.ErrModelNotRemoved:
			msg = fmt.Sprintf("remove the model from printer %q before printing", name)
		case state.ErrJobFailed:
			msg = fmt.Sprintf("printer %q has a failed job; remove the model first", name)
		case state.ErrAlreadyPrinting:
			msg = fmt.Sprintf("printer %q is already printing", name)
		default:
			msg = fmt.Sprintf("queue for printer %q is empty", name)
		}
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid, msg))
	}

	f.persist()

	select {
	case ch <- path:
	default:
		// The claim makes a busy worker impossible; if it happens anyway,
		// restore the queue head and release the printer.
		p.UnclaimJob(path)
		f.persist()
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("printer %q is already printing", name)))
	}
	return nil
}

// RemoveModel confirms the bed is clear: it deletes the staged SD file
// (unless the job failed), resets the job state and, when the queue is
// not empty, chains straight into the next print.
func (f *Fleet) RemoveModel(name string) error {
	const op = "REMOVE_MODEL"
	p := f.printer(name)
	if p == nil {
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}

	f.quiesce(name, p)
	resume := true
	defer func() {
		if resume {
			f.startMonitor(name)
		}
	}()

	if p.JobActive() || p.Status() == state.StatusPrinting {
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
			"cannot remove model during printing"))
	}
	if p.ModelRemoved() && !p.JobError() {
		return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("no model to remove from printer %q", name)))
	}

	if !p.JobError() {
		_, sdName := p.Staged()
		if sdName == "" {
			return f.fail(NewPrinterError(op, name, ErrCodeInvalid,
				fmt.Sprintf("no SD file recorded for printer %q", name)))
		}
		if _, err := p.Transport().Send("M30 " + sdName); err != nil {
			return f.fail(WrapError(op, name, ErrCodeTransport, err))
		}
	}

	p.ResetJob()
	f.persist()
	f.logger.Info("model removed", "printer", name)

	if p.QueueLen() > 0 {
		// The next transaction owns the monitor restart.
		resume = false
		if err := f.PrintNext(name); err != nil {
			f.startMonitor(name)
			return err
		}
	}
	return nil
}

// ListPrinter returns the flat telemetry view of one printer. Fields
// without a sample yet read "N/A".
func (f *Fleet) ListPrinter(name string) (map[string]string, error) {
	p := f.printer(name)
	if p == nil {
		return nil, f.fail(NewPrinterError("LIST", name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}
	snap := p.Snapshot()

	orNA := func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	}
	temp := func(v float64, ok bool) string {
		if !ok {
			return "N/A"
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return map[string]string{
		"status":                   snap.Status,
		"sd_upload_time":           orNA(snap.SDUploadElapsed),
		"sd_upload_time_remaining": orNA(snap.SDUploadRemaining),
		"print_time":               orNA(snap.PrintTime),
		"estimated_time_remaining": orNA(snap.TimeRemaining),
		"current_byte":             strconv.FormatInt(snap.CurrentByte, 10),
		"total_byte":               strconv.FormatInt(snap.TotalByte, 10),
		"print_progress":           orNA(snap.Percent),
		"hotend_temp":              temp(snap.HotendTemp, snap.HasTemps),
		"bed_temp":                 temp(snap.BedTemp, snap.HasTemps),
	}, nil
}

// ListAllPrinters returns the full status of every fleet member.
func (f *Fleet) ListAllPrinters() []PrinterStatus {
	f.mu.Lock()
	printers := make([]*state.Printer, 0, len(f.printers))
	for _, p := range f.printers {
		printers = append(printers, p)
	}
	f.mu.Unlock()

	out := make([]PrinterStatus, 0, len(printers))
	for _, p := range printers {
		out = append(out, statusFromSnapshot(p.Snapshot()))
	}
	return out
}

// PrinterNames returns the fleet members in no particular order.
func (f *Fleet) PrinterNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.printers))
	for name := range f.printers {
		names = append(names, name)
	}
	return names
}

func statusFromSnapshot(snap state.Telemetry) PrinterStatus {
	return PrinterStatus{
		Name:              snap.Name,
		Port:              snap.Port,
		Baud:              snap.Baud,
		Status:            snap.Status,
		HotendTemp:        snap.HotendTemp,
		BedTemp:           snap.BedTemp,
		CurrentByte:       snap.CurrentByte,
		TotalByte:         snap.TotalByte,
		ElapsedSeconds:    snap.ElapsedSeconds,
		PrintTime:         snap.PrintTime,
		TimeRemaining:     snap.TimeRemaining,
		Percent:           snap.Percent,
		SDUploadElapsed:   snap.SDUploadElapsed,
		SDUploadRemaining: snap.SDUploadRemaining,
		Queue:             snap.Queue,
		StagedLocalPath:   snap.StagedLocalPath,
		StagedSDName:      snap.StagedSDName,
		ModelRemoved:      snap.ModelRemoved,
		JobError:          snap.JobError,
	}
}

// persist rewrites the snapshot from the live records. Best effort.
func (f *Fleet) persist() {
	f.mu.Lock()
	doc := config.Document{}
	for name, p := range f.printers {
		snap := p.Snapshot()
		doc[name] = config.Entry{
			Port:                  snap.Port,
			Baudrate:              snap.Baud,
			Queue:                 snap.Queue,
			Status:                snap.Status,
			CurrentByte:           snap.CurrentByte,
			TotalByte:             snap.TotalByte,
			SDUploadTime:          snap.SDUploadElapsed,
			SDUploadTimeRemaining: snap.SDUploadRemaining,
			TimeSeconds:           snap.ElapsedSeconds,
			ModelRemoved:          snap.ModelRemoved,
			CurrentFile:           snap.StagedLocalPath,
			CurrentSDFile:         snap.StagedSDName,
			JobStatusError:        snap.JobError,
		}
	}
	path := f.path
	f.mu.Unlock()

	if err := config.Save(path, doc); err != nil {
		f.logger.Warn("saving snapshot failed", "path", path, "error", err)
	}
}
