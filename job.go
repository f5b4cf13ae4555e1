package printfleet

import "fmt"

// startJobWorker launches the per-printer print-job worker. It lives as
// long as the printer is in the fleet and handles one work item at a
// time: upload to SD, then start the print. Callers must hold no locks.
func (f *Fleet) startJobWorker(name string) {
	f.mu.Lock()
	if _, ok := f.jobs[name]; ok {
		f.mu.Unlock()
		return
	}
	ch := make(chan string, 1)
	f.jobs[name] = ch
	f.mu.Unlock()

	go f.jobLoop(name, ch)
}

func (f *Fleet) jobLoop(name string, ch <-chan string) {
	for path := range ch {
		f.runPrintJob(name, path)
	}
	f.logger.Debug("job worker exiting", "printer", name)
}

// runPrintJob executes one queued job. Errors never propagate to a
// caller; they set the printer's job-error flag and trigger the cancel
// sequence, which is all a consumer can observe.
func (f *Fleet) runPrintJob(name, path string) {
	p := f.printer(name)
	if p == nil {
		return
	}
	defer p.SetJobActive(false)

	f.logger.Info("print job starting", "printer", name, "path", path)

	if err := f.uploadFile(p, path); err != nil {
		f.failJob(name, err)
		return
	}

	_, sdName := p.Staged()
	if sdName == "" {
		f.failJob(name, NewPrinterError("PRINT_JOB", name, ErrCodeJob,
			fmt.Sprintf("upload of %q left no staged SD file", path)))
		return
	}

	if err := f.printFromSD(p, sdName); err != nil {
		f.failJob(name, err)
		return
	}
}

// failJob records a background job failure: sticky error flag, log entry
// and the safety cancel sequence.
func (f *Fleet) failJob(name string, err error) {
	p := f.printer(name)
	if p == nil {
		return
	}
	p.SetJobError(true)
	f.logger.Error("print job failed", "printer", name,
		"error", WrapError("PRINT_JOB", name, ErrCodeJob, err).Error())
	f.cancelPrint(p)
	f.persist()
}
