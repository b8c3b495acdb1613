package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"runselect/internal/criteria"
	"runselect/internal/dq"
	"runselect/internal/engine"
)

// VerdictTable renders one row per run and track.
func VerdictTable(w io.Writer, verdicts []engine.RunVerdict) string {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Run", "Physics", "Track", "Trigger", "Time", "Run", "PMT", "Overall", "Failed"})
	for _, v := range verdicts {
		for _, t := range dq.Tracks {
			tv := v.Track(t)
			tw.AppendRow(table.Row{
				v.RunNumber, v.IsPhysicsRun, t,
				tv.Trigger, tv.Time, tv.Run, tv.PMT, tv.Overall,
				failedSummary(tv),
			})
		}
	}
	return tw.Render()
}

func failedSummary(tv engine.TrackVerdict) string {
	var parts []string
	for _, d := range tv.Details {
		for _, f := range d.Failed {
			parts = append(parts, d.Processor.Short()+"."+f)
		}
	}
	return strings.Join(parts, ", ")
}

// StatsTable renders pass/fail/unavailable counts per track and processor.
func StatsTable(w io.Writer, s *Stats) string {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("%d runs evaluated, %d skipped", s.Runs, s.Skipped))
	tw.AppendHeader(table.Row{"Track", "Processor", "Pass", "Fail", "Unavailable"})
	for _, t := range dq.Tracks {
		ts := s.Tracks[t]
		for _, p := range dq.PhysicsProcessors {
			c := ts.Processors[p]
			tw.AppendRow(table.Row{t, p.Short(), c.Pass, c.Fail, c.Unavailable})
		}
		tw.AppendRow(table.Row{t, "overall", ts.Overall.Pass, ts.Overall.Fail, ts.Overall.Unavailable})
		tw.AppendSeparator()
	}
	return tw.Render()
}

// CatalogTable renders every revision and the boundaries that select it.
func CatalogTable(w io.Writer, c *criteria.Catalog) string {
	selected := make(map[string][]string)
	for _, b := range c.Boundaries() {
		selected[b.Revision] = append(selected[b.Revision], fmt.Sprintf("%s>=%d", b.Track, b.MinRun))
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	th := c.Thresholds()
	tw.SetTitle(fmt.Sprintf("thresholds %s: max event rate %g, bit flips [%d,%d], max missing GTIDs %d",
		th.Set, th.MaxEventRate, th.MinBitFlipCount, th.MaxBitFlipCount, th.MaxMissingGTIDCount))
	tw.AppendHeader(table.Row{"Revision", "Processor", "Selected", "Retired", "Sub-checks"})
	for _, r := range c.Revisions() {
		tw.AppendRow(table.Row{
			r.ID, r.Processor.Short(), strings.Join(selected[r.ID], " "), r.Retired,
			strings.Join(r.SubCheckNames(), " "),
		})
	}
	return tw.Render()
}
