package report

import (
	"runselect/internal/dq"
	"runselect/internal/engine"
)

// Counts tallies verdicts.
type Counts struct {
	Pass        int `json:"pass"`
	Fail        int `json:"fail"`
	Unavailable int `json:"unavailable"`
}

func (c *Counts) add(v dq.Verdict) {
	switch v {
	case dq.Pass:
		c.Pass++
	case dq.Fail:
		c.Fail++
	default:
		c.Unavailable++
	}
}

// Total is the number of verdicts counted.
func (c Counts) Total() int { return c.Pass + c.Fail + c.Unavailable }

// TrackStats tallies one track.
type TrackStats struct {
	Overall    Counts                  `json:"overall"`
	Processors map[dq.Processor]Counts `json:"processors"`
}

// Stats accumulates verdicts over many runs. Not safe for concurrent use.
type Stats struct {
	Runs    int                     `json:"runs"`
	Skipped int                     `json:"skipped"`
	Tracks  map[dq.Track]TrackStats `json:"tracks"`
}

func NewStats() *Stats {
	s := &Stats{Tracks: make(map[dq.Track]TrackStats, len(dq.Tracks))}
	for _, t := range dq.Tracks {
		s.Tracks[t] = TrackStats{Processors: make(map[dq.Processor]Counts, len(dq.PhysicsProcessors))}
	}
	return s
}

// Add counts one evaluated run.
func (s *Stats) Add(v engine.RunVerdict) {
	s.Runs++
	for _, t := range dq.Tracks {
		ts := s.Tracks[t]
		tv := v.Track(t)
		ts.Overall.add(tv.Overall)
		for _, p := range dq.PhysicsProcessors {
			c := ts.Processors[p]
			c.add(tv.Get(p))
			ts.Processors[p] = c
		}
		s.Tracks[t] = ts
	}
}

// Skip counts a run left out of the evaluation.
func (s *Stats) Skip() { s.Skipped++ }
