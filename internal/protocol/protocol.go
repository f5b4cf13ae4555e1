// Package protocol implements the Marlin/Prusa line protocol: checksummed
// framing for SD uploads and parsers for the status lines printers emit.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Checksum XORs the bytes of a framed line, masked to 8 bits. The star
// that introduces the checksum field is never part of the sum.
func Checksum(line string) byte {
	var sum byte
	for i := 0; i < len(line); i++ {
		if line[i] == '*' {
			break
		}
		sum ^= line[i]
	}
	return sum
}

// FrameLine transforms a raw G-code line into the defensive form carrying
// the line number and checksum, for example "N9 G28 Z0 F150*2".
//
// Blank lines and comments are dropped: a leading ';' empties the line,
// and anything after the first ';' in a command line is discarded. The
// empty string is returned for a dropped line; the caller must not
// advance its line counter for it.
func FrameLine(lineno int, gcode string) string {
	gcode = strings.TrimSpace(gcode)
	if gcode == "" || strings.HasPrefix(gcode, ";") {
		return ""
	}
	if i := strings.IndexByte(gcode, ';'); i >= 0 {
		gcode = strings.TrimSpace(gcode[:i])
	}
	if gcode == "" {
		return ""
	}

	str := fmt.Sprintf("N%d %s", lineno, gcode)
	return fmt.Sprintf("%s*%d", str, Checksum(str))
}

// Report holds the fields recognized in a single inbound line. A line may
// set more than one group (a temperature report tacked onto an ok, say);
// anything unrecognized leaves the report zero.
type Report struct {
	HasTemp    bool
	HotendTemp float64
	BedTemp    float64

	HasPrintTime bool
	Hours        int
	Minutes      int
	Seconds      int

	HasRemaining  bool
	PercentDone   int
	RemainingMins int

	HasSDProgress bool
	CurrentByte   int64
	TotalByte     int64

	Idle bool
}

// Empty reports whether the line matched nothing.
func (r Report) Empty() bool {
	return !r.HasTemp && !r.HasPrintTime && !r.HasRemaining && !r.HasSDProgress && !r.Idle
}

var (
	// Marlin temperature report: "ok T:210.0/210.0 B:60.0/60.0 ..."
	reTempMarlin = regexp.MustCompile(`^(?:ok\s+)?T:([\d.]+)\s*/[\d.]+\s+B:([\d.]+)\s*/[\d.]+`)
	// Prusa temperature report without targets.
	reTempPrusa = regexp.MustCompile(`^T:([\d.]+).*?B:([\d.]+)`)
	// M31 reply: "echo:Print time: 1h 2m 3s"
	rePrintTime = regexp.MustCompile(`^echo:Print time:\s*(?:(\d+)h\s*)?(?:(\d+)m\s*)?(?:(\d+)s)?`)
	// M31 reply, long form: "echo: 1 hour, 2 mins, 3 secs"
	rePrintTimeAlt = regexp.MustCompile(`^echo:\s*(?:(\d+)\s*hours?,?\s*)?(?:(\d+)\s*mins?,?\s*)?(?:(\d+)\s*secs?)`)
	// Prusa progress report.
	reRemaining = regexp.MustCompile(`^NORMAL MODE: Percent done: (\d+); print time remaining in mins: (-?\d+)`)
	// M27 reply while printing.
	reSDProgress = regexp.MustCompile(`^SD printing byte (\d+)/(\d+)`)
	// M27 reply while idle.
	reIdle = regexp.MustCompile(`^Not SD printing`)
)

func atoiGroup(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Parse matches one inbound line against every known pattern and returns
// the extracted fields.
func Parse(line string) Report {
	var r Report

	if m := reTempMarlin.FindStringSubmatch(line); m != nil {
		r.HasTemp = true
		r.HotendTemp, _ = strconv.ParseFloat(m[1], 64)
		r.BedTemp, _ = strconv.ParseFloat(m[2], 64)
	} else if m := reTempPrusa.FindStringSubmatch(line); m != nil {
		r.HasTemp = true
		r.HotendTemp, _ = strconv.ParseFloat(m[1], 64)
		r.BedTemp, _ = strconv.ParseFloat(m[2], 64)
	}

	if m := rePrintTime.FindStringSubmatch(line); m != nil && (m[1] != "" || m[2] != "" || m[3] != "") {
		r.HasPrintTime = true
		r.Hours = atoiGroup(m[1])
		r.Minutes = atoiGroup(m[2])
		r.Seconds = atoiGroup(m[3])
	} else if m := rePrintTimeAlt.FindStringSubmatch(line); m != nil {
		r.HasPrintTime = true
		r.Hours = atoiGroup(m[1])
		r.Minutes = atoiGroup(m[2])
		r.Seconds = atoiGroup(m[3])
	}

	if m := reRemaining.FindStringSubmatch(line); m != nil {
		r.HasRemaining = true
		r.PercentDone = atoiGroup(m[1])
		r.RemainingMins = atoiGroup(m[2])
	}

	if m := reSDProgress.FindStringSubmatch(line); m != nil {
		r.HasSDProgress = true
		r.CurrentByte, _ = strconv.ParseInt(m[1], 10, 64)
		r.TotalByte, _ = strconv.ParseInt(m[2], 10, 64)
	}

	if reIdle.MatchString(line) {
		r.Idle = true
	}

	return r
}
