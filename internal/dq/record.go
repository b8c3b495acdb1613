package dq

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Checks holds one processor's raw results: check name to 0/1 outcome, plus the
// nested "check_params" and "criteria" maps used to recompute a check.
type Checks map[string]any

// CheckRecord is the typed view of one run's DQHL document.
type CheckRecord struct {
	RunRange []int                `json:"run_range,omitempty"`
	Checks   map[Processor]Checks `json:"checks"`
}

// ParseDocument decodes a DQHL run document.
func ParseDocument(data []byte) (*CheckRecord, error) {
	var rec CheckRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("invalid check record json: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Validate checks the document shape; per-field requirements are enforced by the criteria.
func (r *CheckRecord) Validate() error {
	if r == nil {
		return errors.New("check record is nil")
	}
	if len(r.Checks) == 0 {
		return errors.New("check record has no checks")
	}
	for p, c := range r.Checks {
		if strings.TrimSpace(string(p)) == "" {
			return errors.New("check record has a processor with an empty name")
		}
		if c == nil {
			return fmt.Errorf("processor %s has no checks", p)
		}
	}
	if len(r.RunRange) != 0 && len(r.RunRange) != 2 {
		return fmt.Errorf("run_range must have two entries, got %d", len(r.RunRange))
	}
	return nil
}

// Has reports whether the record carries a section for p.
func (r *CheckRecord) Has(p Processor) bool {
	if r == nil {
		return false
	}
	_, ok := r.Checks[p]
	return ok
}

// ProcessorNames returns the processors present, sorted.
func (r *CheckRecord) ProcessorNames() []Processor {
	if r == nil {
		return nil
	}
	out := make([]Processor, 0, len(r.Checks))
	for p := range r.Checks {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Processor returns the section for p or a MissingFieldError naming it.
func (r *CheckRecord) Processor(p Processor) (ProcessorRecord, error) {
	if r == nil {
		return ProcessorRecord{}, MissingFieldError{Processor: p}
	}
	c, ok := r.Checks[p]
	if !ok {
		return ProcessorRecord{}, MissingFieldError{Processor: p}
	}
	return ProcessorRecord{Processor: p, Checks: c}, nil
}

// ProcessorRecord is one processor's section with typed accessors.
// Field paths are dotted, e.g. "check_params.missing_gtids".
type ProcessorRecord struct {
	Processor Processor
	Checks    Checks
}

// Has reports whether path resolves to a value.
func (p ProcessorRecord) Has(path string) bool {
	_, err := p.lookup(path)
	return err == nil
}

// Outcome reads a stored 0/1 check result.
func (p ProcessorRecord) Outcome(path string) (bool, error) {
	v, err := p.lookup(path)
	if err != nil {
		return false, err
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	}
	n, ok := toFloat(v)
	if !ok {
		return false, InvalidFieldError{Processor: p.Processor, Field: path, Value: v, Reason: "outcome must be 0 or 1"}
	}
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, InvalidFieldError{Processor: p.Processor, Field: path, Value: v, Reason: "outcome must be 0 or 1"}
}

// Number reads a numeric parameter.
func (p ProcessorRecord) Number(path string) (float64, error) {
	v, err := p.lookup(path)
	if err != nil {
		return 0, err
	}
	n, ok := toFloat(v)
	if !ok {
		return 0, InvalidFieldError{Processor: p.Processor, Field: path, Value: v, Reason: "expected a number"}
	}
	return n, nil
}

// Count returns the length of a list parameter.
func (p ProcessorRecord) Count(path string) (int, error) {
	v, err := p.lookup(path)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case []any:
		return len(x), nil
	case []int:
		return len(x), nil
	case []int64:
		return len(x), nil
	case []float64:
		return len(x), nil
	case []string:
		return len(x), nil
	}
	return 0, InvalidFieldError{Processor: p.Processor, Field: path, Value: v, Reason: "expected a list"}
}

// Digit renders a stored outcome as 1/0, or 9 when it cannot be read.
func (p ProcessorRecord) Digit(path string) int {
	ok, err := p.Outcome(path)
	if err != nil {
		return 9
	}
	if ok {
		return 1
	}
	return 0
}

func (p ProcessorRecord) lookup(path string) (any, error) {
	if p.Checks == nil {
		return nil, MissingFieldError{Processor: p.Processor, Field: path}
	}
	var cur any = map[string]any(p.Checks)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, MissingFieldError{Processor: p.Processor, Field: path}
		}
		next, ok := m[part]
		if !ok || next == nil {
			return nil, MissingFieldError{Processor: p.Processor, Field: path}
		}
		cur = next
	}
	return cur, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Checks:
		return m, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
