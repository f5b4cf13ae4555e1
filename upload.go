package printfleet

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xnekj/printfleet/internal/constants"
	"github.com/xnekj/printfleet/internal/protocol"
	"github.com/xnekj/printfleet/internal/state"
)

// UploadFile uploads a local G-code file to the printer's SD card under
// an allocated 8.3 name, without starting a print. The staged-file
// attributes record where it went.
func (f *Fleet) UploadFile(name, path string) error {
	const op = "UPLOAD"
	p := f.printer(name)
	if p == nil {
		return f.fail(NewPrinterError(op, name, ErrCodePrinterNotFound,
			fmt.Sprintf("no printer connected with name %q", name)))
	}
	return f.uploadFile(p, path)
}

// sdBaseName derives the six-character base of the SD filename from the
// local file: basename without extension, spaces to underscores, cut or
// zero-padded to six characters, uppercased.
func sdBaseName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ReplaceAll(base, " ", "_")
	if len(base) > 6 {
		base = base[:6]
	}
	for len(base) < 6 {
		base += "0"
	}
	return strings.ToUpper(base)
}

// allocateSDName picks BASE_N.GCO with the smallest unused N among the
// files already on the card. All ten suffixes taken is an error. The
// port must already be quiesced.
func (f *Fleet) allocateSDName(p *state.Printer, path string) (string, error) {
	base := sdBaseName(path)

	sdFiles, err := f.listSDFiles(p)
	if err != nil {
		return "", WrapError("UPLOAD", p.Name(), ErrCodeTransport, err)
	}

	used := make(map[int]bool)
	for _, entry := range sdFiles {
		// M20 entries are "NAME.GCO <size>"; only the name matters.
		sdName := entry
		if i := strings.IndexByte(entry, ' '); i >= 0 {
			sdName = entry[:i]
		}
		if !strings.HasPrefix(sdName, base+"_") || !strings.HasSuffix(sdName, ".GCO") {
			continue
		}
		suffix := sdName[len(base)+1 : len(sdName)-len(".GCO")]
		if n, err := strconv.Atoi(suffix); err == nil {
			used[n] = true
		}
	}

	for n := 0; n < constants.MaxSDNameSuffixes; n++ {
		if !used[n] {
			return fmt.Sprintf("%s_%d.GCO", base, n), nil
		}
	}
	return "", NewPrinterError("UPLOAD", p.Name(), ErrCodeInvalid,
		"Too many files with the same base name")
}

// estimateUploadSeconds predicts the transfer time from the file size and
// line rate, derated by the observed protocol efficiency.
func estimateUploadSeconds(sizeBytes int64, baud int) float64 {
	return math.Ceil(float64(sizeBytes)*8/float64(baud)) / constants.UploadEfficiencyFactor
}

// formatUploadDuration renders elapsed/remaining upload seconds the way
// the telemetry exposes them: "Xm Ys" above a minute, "Ys" below.
func formatUploadDuration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int(seconds)
	if s > 60 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%ds", s)
}

func containsSubstring(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// uploadFile runs the SD upload transaction: allocate a name, open the
// file on the card with M28, stream every meaningful line with checksum
// framing, close with M29. Any failure sets the job-error flag; the
// monitor is restarted no matter what.
func (f *Fleet) uploadFile(p *state.Printer, path string) (err error) {
	const op = "UPLOAD"
	name := p.Name()
	tr := p.Transport()

	f.quiesce(name, p)
	start := time.Now()
	defer func() {
		if err != nil {
			p.SetJobError(true)
			f.observer.ObserveUpload(0, 0, false)
			f.fail(err)
		}
		f.startMonitor(name)
	}()

	info, statErr := os.Stat(path)
	if statErr != nil {
		return NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("file %q not found", path))
	}
	file, openErr := os.Open(path)
	if openErr != nil {
		return NewPrinterError(op, name, ErrCodeInvalid,
			fmt.Sprintf("file %q cannot be read", path))
	}
	defer file.Close()

	sdName, allocErr := f.allocateSDName(p, path)
	if allocErr != nil {
		return allocErr
	}

	estimated := estimateUploadSeconds(info.Size(), tr.Baud())
	f.logger.Info("starting SD upload", "printer", name, "path", path,
		"sd_file", sdName, "size", info.Size(), "estimated_s", int(estimated))

	p.SetStatus(state.StatusUploading)

	// Reset the firmware's line counter so the stream starts at N1.
	if _, sendErr := tr.Send("M110 N0 " + sdName); sendErr != nil {
		return WrapError(op, name, ErrCodeTransport, sendErr)
	}
	if !tr.Connected() {
		return NewPrinterError(op, name, ErrCodeTransport, "serial I/O failed")
	}
	time.Sleep(f.cmdSettle)

	resp, sendErr := tr.Send("M28 " + sdName)
	if sendErr != nil {
		return WrapError(op, name, ErrCodeTransport, sendErr)
	}
	if !tr.Connected() {
		return NewPrinterError(op, name, ErrCodeTransport, "serial I/O failed")
	}
	if containsSubstring(resp, "open failed") {
		return NewPrinterError(op, name, ErrCodeUpload,
			fmt.Sprintf("SD card refused to open %q", sdName))
	}
	time.Sleep(f.cmdSettle)

	streamStart := time.Now()
	scanner := bufio.NewScanner(file)
	lineno := 1
	for scanner.Scan() {
		framed := protocol.FrameLine(lineno, scanner.Text())
		if framed == "" {
			// Comment or blank line: the counter must not advance.
			continue
		}
		resp, sendErr := tr.Send(framed)
		if sendErr != nil {
			return WrapError(op, name, ErrCodeTransport, sendErr)
		}
		if !tr.Connected() {
			return NewPrinterError(op, name, ErrCodeUpload,
				"serial I/O failed during transfer")
		}
		if containsSubstring(resp, "Error") {
			return NewPrinterError(op, name, ErrCodeUpload,
				fmt.Sprintf("firmware reported an error at line %d", lineno))
		}
		lineno++
		f.observer.ObserveUploadLine(uint64(len(framed)) + 1)

		elapsed := time.Since(streamStart).Seconds()
		p.SetUploadProgress(formatUploadDuration(elapsed),
			formatUploadDuration(estimated-elapsed))
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return WrapError(op, name, ErrCodeUpload, scanErr)
	}

	if _, sendErr := tr.Send("M29 " + sdName); sendErr != nil {
		return WrapError(op, name, ErrCodeTransport, sendErr)
	}
	if !tr.Connected() {
		return NewPrinterError(op, name, ErrCodeTransport, "serial I/O failed")
	}

	actual := time.Since(streamStart).Seconds()
	p.SetUploadProgress(formatUploadDuration(actual), "0s")
	p.SetStaged(path, sdName)
	f.persist()

	f.observer.ObserveUpload(uint64(info.Size()), uint64(time.Since(start).Nanoseconds()), true)
	f.logger.Info("SD upload finished", "printer", name, "sd_file", sdName,
		"lines", lineno-1, "took", formatUploadDuration(actual))
	return nil
}
