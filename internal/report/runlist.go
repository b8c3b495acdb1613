package report

import (
	"fmt"
	"io"
	"strings"

	"runselect/internal/dq"
	"runselect/internal/engine"
	"runselect/internal/lowlevel"
)

const separator = "-------|----------|----------|" +
	"-----------|-----------|" +
	"------------------|----" +
	"---------------------|" +
	"------------------------------------------------|" +
	"---------------------------|---------------------\n"

const rule = "----------------------------------------------------------------------" +
	"--------------------------" +
	"------------------------------------------" +
	"---------------------------------------------\n"

// Row is one run of the run list.
type Row struct {
	Run      int
	LowLevel lowlevel.Result
	Verdict  engine.RunVerdict
	Record   *dq.CheckRecord
}

// RunList writes the fixed-width run list.
type RunList struct {
	w    io.Writer
	rows int
}

func NewRunList(w io.Writer) *RunList {
	return &RunList{w: w}
}

// WriteHeader writes the column header block.
func (l *RunList) WriteHeader() error {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString("Run no | Run Type | Duration | Crates HV | Crate DAC |   By processor   |" +
		"    Trigger Processor    |" +
		"             Time Processor              |" +
		"   Run Processor    |   PMT Processor\n")
	b.WriteString(rule)
	b.WriteString("       |          |          |           |           | TTRP    | TTRP   |" +
		" N100L ESUMH Miss BitFlp |" +
		" Event GT in  Re-   1st ev 10 MHz  Event |" +
		" Physics Monte Trig | Ov'all Crate Panel\n")
	b.WriteString("       |          |          |           |           | (modif) | (orig) |" +
		" rate  rate  GTID GTID   |" +
		" rate  oth ev trigs time   UT comp order |" +
		" run     Carlo mask | covg   covg  covg\n")
	b.WriteString(rule)
	_, err := io.WriteString(l.w, b.String())
	return err
}

// WriteRow writes one run, preceded by a separator line for every run number
// divisible by ten except the first row.
func (l *RunList) WriteRow(r Row) error {
	if l.rows > 0 && r.Run%10 == 0 {
		if _, err := io.WriteString(l.w, separator); err != nil {
			return err
		}
	}
	l.rows++
	_, err := io.WriteString(l.w, FormatRow(r))
	return err
}

// FormatRow renders one run list line; values that could not be read print as 9.
func FormatRow(r Row) string {
	var b strings.Builder
	ll := r.LowLevel
	fmt.Fprintf(&b, "%d | %d        | %d        | %d         | %d         |",
		r.Run, ll.RunType.Digit(), ll.Duration.Digit(), ll.CrateHV.Digit(), ll.CrateDAC.Digit())

	a, o := r.Verdict.Amended, r.Verdict.Original
	fmt.Fprintf(&b, " %d%d%d%d   | %d%d%d%d   |",
		a.Trigger.Digit(), a.Time.Digit(), a.Run.Digit(), a.PMT.Digit(),
		o.Trigger.Digit(), o.Time.Digit(), o.Run.Digit(), o.PMT.Digit())

	rec := r.Record
	if !r.Verdict.Available() {
		rec = nil
	}
	trig := digits(rec, dq.Trigger, "n100l_trigger_rate", "esumh_trigger_rate", "triggerProcMissingGTID", "triggerProcBitFlipGTID")
	fmt.Fprintf(&b, " %d     %d     %d    %d      |", trig[0], trig[1], trig[2], trig[3])

	tm := digits(rec, dq.Time, "event_rate", "event_separation", "retriggers", "run_header",
		"10Mhz_UT_comparrison", "clock_forward", "delta_t_comparison")
	fmt.Fprintf(&b, " %d     %d      %d     %d     ", tm[0], tm[1], tm[2], tm[3])
	fmt.Fprintf(&b, " %d       %d     %d      |", tm[4], tm[5], tm[6])

	run := digits(rec, dq.RunMeta, "run_type", "mc_flag", "run_length", "trigger")
	pmt := digits(rec, dq.PMT, "general_coverage", "crate_coverage", "panel_coverage")
	fmt.Fprintf(&b, " %d       %d     %d      %d    | %d      %d     %d\n",
		run[0], run[1], run[2], run[3], pmt[0], pmt[1], pmt[2])
	return b.String()
}

func digits(rec *dq.CheckRecord, p dq.Processor, fields ...string) []int {
	out := make([]int, len(fields))
	section, err := rec.Processor(p)
	for i, f := range fields {
		if err != nil {
			out[i] = 9
			continue
		}
		out[i] = section.Digit(f)
	}
	return out
}
