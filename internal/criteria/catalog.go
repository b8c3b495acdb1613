package criteria

import (
	"errors"
	"fmt"
	"sort"

	"runselect/internal/dq"
)

// Revision identifiers. The catalog is append-only: retired revisions stay
// so historical verdicts can be reproduced.
const (
	TriggerOriginal      = "trigger/original"
	TriggerAmendedCounts = "trigger/amended-gtid-counts"
	TimeOriginal         = "time/original"
	TimeAmendedEventRate = "time/amended-event-rate"
	TimeDeltaT           = "time/original-delta-t"
	RunOriginal          = "run/original"
	RunAmendedNoTrigger  = "run/amended-no-trigger"
	RunRunLength         = "run/original-run-length"
	PMTOriginal          = "pmt/original"
)

// Boundary maps a run range start to the revision in force from that run on.
type Boundary struct {
	Processor dq.Processor `json:"processor"`
	Track     dq.Track     `json:"track"`
	MinRun    int          `json:"min_run"`
	Revision  string       `json:"revision"`
}

// boundaryTable selects revisions per processor and track.
// Adding a criteria change for future runs is a new row here.
var boundaryTable = []Boundary{
	{Processor: dq.Trigger, Track: dq.Original, MinRun: 0, Revision: TriggerOriginal},
	{Processor: dq.Time, Track: dq.Original, MinRun: 0, Revision: TimeOriginal},
	{Processor: dq.RunMeta, Track: dq.Original, MinRun: 0, Revision: RunOriginal},
	{Processor: dq.PMT, Track: dq.Original, MinRun: 0, Revision: PMTOriginal},

	{Processor: dq.Trigger, Track: dq.Amended, MinRun: 0, Revision: TriggerAmendedCounts},
	{Processor: dq.Trigger, Track: dq.Amended, MinRun: 101266, Revision: TriggerOriginal},
	{Processor: dq.Time, Track: dq.Amended, MinRun: 0, Revision: TimeAmendedEventRate},
	{Processor: dq.RunMeta, Track: dq.Amended, MinRun: 0, Revision: RunAmendedNoTrigger},
	{Processor: dq.RunMeta, Track: dq.Amended, MinRun: 100600, Revision: RunOriginal},
	{Processor: dq.PMT, Track: dq.Amended, MinRun: 0, Revision: PMTOriginal},
}

// definitions returns every known revision bound to the given thresholds.
func definitions(th Thresholds) []Revision {
	return []Revision{
		{
			ID:          TriggerOriginal,
			Processor:   dq.Trigger,
			Description: "stored trigger-rate and GTID outcomes",
			Checks: outcomes("n100l_trigger_rate", "esumh_trigger_rate",
				"triggerProcMissingGTID", "triggerProcBitFlipGTID"),
		},
		{
			ID:          TriggerAmendedCounts,
			Processor:   dq.Trigger,
			Description: "GTID outcomes recomputed from the missing and bit-flipped GTID lists",
			Introduced:  "2017-05-15",
			Checks: append(outcomes("n100l_trigger_rate", "esumh_trigger_rate"),
				missingGTIDCount(th.MaxMissingGTIDCount),
				bitFlipCount(th.MinBitFlipCount, th.MaxBitFlipCount)),
		},
		{
			ID:          TimeDeltaT,
			Processor:   dq.Time,
			Description: "time checks including delta_t_comparison",
			Retired:     "2017-05-21",
			Checks: outcomes("event_rate", "event_separation", "retriggers", "run_header",
				"10Mhz_UT_comparrison", "clock_forward", "delta_t_comparison"),
		},
		{
			ID:          TimeOriginal,
			Processor:   dq.Time,
			Description: "stored time-processor outcomes",
			Introduced:  "2017-05-21",
			Checks: outcomes("event_rate", "event_separation", "retriggers", "run_header",
				"10Mhz_UT_comparrison", "clock_forward"),
		},
		{
			ID:          TimeAmendedEventRate,
			Processor:   dq.Time,
			Description: fmt.Sprintf("event rate recomputed against a ceiling of %g Hz (threshold set %s)", th.MaxEventRate, th.Set),
			Introduced:  "2017-05-15",
			Checks: append([]SubCheck{eventRate(th.MaxEventRate)},
				outcomes("event_separation", "retriggers", "run_header",
					"10Mhz_UT_comparrison", "clock_forward")...),
		},
		{
			ID:          RunRunLength,
			Processor:   dq.RunMeta,
			Description: "run checks including run_length",
			Retired:     "2017-05-18",
			Checks:      outcomes("run_type", "mc_flag", "run_length", "trigger"),
		},
		{
			ID:          RunOriginal,
			Processor:   dq.RunMeta,
			Description: "stored run-type, MC-flag and trigger outcomes",
			Introduced:  "2017-05-18",
			Checks:      outcomes("run_type", "mc_flag", "trigger"),
		},
		{
			ID:          RunAmendedNoTrigger,
			Processor:   dq.RunMeta,
			Description: "trigger outcome ignored; it was unreliable before run 100600",
			Introduced:  "2017-05-18",
			Checks:      outcomes("run_type", "mc_flag"),
		},
		{
			ID:          PMTOriginal,
			Processor:   dq.PMT,
			Description: "general, crate and panel coverage",
			Checks:      outcomes("general_coverage", "crate_coverage", "panel_coverage"),
		},
	}
}

// ErrUnknownRevisionBoundary is matched by BoundaryError.
var ErrUnknownRevisionBoundary = errors.New("unknown revision boundary")

// BoundaryError reports that no revision covers a run.
type BoundaryError struct {
	Processor dq.Processor
	Track     dq.Track
	Run       int
}

func (e BoundaryError) Error() string {
	return fmt.Sprintf("no %s revision for %s at run %d", e.Track, e.Processor, e.Run)
}

func (e BoundaryError) Is(target error) bool { return target == ErrUnknownRevisionBoundary }

type selectorKey struct {
	processor dq.Processor
	track     dq.Track
}

// Catalog holds every revision and the boundary table. It is read-only after
// construction and safe for concurrent use.
type Catalog struct {
	thresholds Thresholds
	revisions  map[string]Revision
	order      []string
	boundaries map[selectorKey][]Boundary
}

// NewCatalog builds the catalog for the given thresholds.
func NewCatalog(th Thresholds) (*Catalog, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return newCatalog(th, definitions(th), boundaryTable)
}

func newCatalog(th Thresholds, revs []Revision, table []Boundary) (*Catalog, error) {
	c := &Catalog{
		thresholds: th,
		revisions:  make(map[string]Revision, len(revs)),
		boundaries: make(map[selectorKey][]Boundary),
	}
	for _, r := range revs {
		if r.ID == "" {
			return nil, errors.New("revision with empty id")
		}
		if _, dup := c.revisions[r.ID]; dup {
			return nil, fmt.Errorf("duplicate revision %s", r.ID)
		}
		if len(r.Checks) == 0 {
			return nil, fmt.Errorf("revision %s has no checks", r.ID)
		}
		c.revisions[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	for _, b := range table {
		rev, ok := c.revisions[b.Revision]
		if !ok {
			return nil, fmt.Errorf("boundary %s/%s@%d references unknown revision %s", b.Processor, b.Track, b.MinRun, b.Revision)
		}
		if rev.Processor != b.Processor {
			return nil, fmt.Errorf("boundary %s/%s@%d references %s revision %s", b.Processor, b.Track, b.MinRun, rev.Processor, b.Revision)
		}
		if rev.Retired != "" {
			return nil, fmt.Errorf("boundary %s/%s@%d references retired revision %s", b.Processor, b.Track, b.MinRun, b.Revision)
		}
		if !b.Track.Valid() {
			return nil, fmt.Errorf("boundary for %s has invalid track %q", b.Processor, b.Track)
		}
		k := selectorKey{b.Processor, b.Track}
		for _, existing := range c.boundaries[k] {
			if existing.MinRun == b.MinRun {
				return nil, fmt.Errorf("duplicate boundary %s/%s@%d", b.Processor, b.Track, b.MinRun)
			}
		}
		c.boundaries[k] = append(c.boundaries[k], b)
	}
	for k, rows := range c.boundaries {
		sort.Slice(rows, func(i, j int) bool { return rows[i].MinRun < rows[j].MinRun })
		c.boundaries[k] = rows
	}
	return c, nil
}

// Thresholds returns the constants the catalog was built with.
func (c *Catalog) Thresholds() Thresholds { return c.thresholds }

// Revisions returns every revision, retired ones included, in catalog order.
func (c *Catalog) Revisions() []Revision {
	out := make([]Revision, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.revisions[id])
	}
	return out
}

// Lookup returns a revision by id.
func (c *Catalog) Lookup(id string) (Revision, bool) {
	r, ok := c.revisions[id]
	return r, ok
}

// Boundaries returns the boundary table ordered by processor, track and run.
func (c *Catalog) Boundaries() []Boundary {
	var out []Boundary
	for _, p := range dq.PhysicsProcessors {
		for _, t := range dq.Tracks {
			out = append(out, c.boundaries[selectorKey{p, t}]...)
		}
	}
	return out
}

// Select returns the revision with the greatest MinRun not above run.
func (c *Catalog) Select(p dq.Processor, t dq.Track, run int) (Revision, error) {
	rows := c.boundaries[selectorKey{p, t}]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].MinRun > run })
	if i == 0 {
		return Revision{}, BoundaryError{Processor: p, Track: t, Run: run}
	}
	return c.revisions[rows[i-1].Revision], nil
}
