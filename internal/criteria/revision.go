package criteria

import (
	"runselect/internal/dq"
)

// SubCheck is one required dimension of a revision.
// Fields are the paths read unconditionally; they are validated before any
// sub-check runs so a missing field is reported instead of a false fail.
type SubCheck struct {
	Name   string
	Fields []string
	Eval   func(dq.ProcessorRecord) (bool, error)
}

// Revision is an immutable predicate over one processor's checks.
type Revision struct {
	ID          string       `json:"id"`
	Processor   dq.Processor `json:"processor"`
	Description string       `json:"description"`
	Introduced  string       `json:"introduced,omitempty"`
	Retired     string       `json:"retired,omitempty"`
	Checks      []SubCheck   `json:"-"`
}

// SubCheckNames lists the sub-check names in declaration order.
func (r Revision) SubCheckNames() []string {
	out := make([]string, len(r.Checks))
	for i, c := range r.Checks {
		out[i] = c.Name
	}
	return out
}

// SubCheckResult is the outcome of one sub-check.
type SubCheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// Result is the outcome of applying a revision to one processor record.
type Result struct {
	Revision  string           `json:"revision"`
	Verdict   dq.Verdict       `json:"verdict"`
	SubChecks []SubCheckResult `json:"sub_checks"`
}

// Failed lists the names of failing sub-checks in declaration order.
func (r Result) Failed() []string {
	var out []string
	for _, s := range r.SubChecks {
		if !s.Passed {
			out = append(out, s.Name)
		}
	}
	return out
}

// Validate returns the first field the revision needs that the record lacks.
func (r Revision) Validate(rec dq.ProcessorRecord) error {
	for _, c := range r.Checks {
		for _, f := range c.Fields {
			if !rec.Has(f) {
				return dq.MissingFieldError{Processor: rec.Processor, Field: f}
			}
		}
	}
	return nil
}

// Evaluate applies every sub-check; the verdict is their conjunction.
// All sub-checks run, so the result never depends on evaluation order.
func (r Revision) Evaluate(rec dq.ProcessorRecord) (Result, error) {
	if err := r.Validate(rec); err != nil {
		return Result{}, err
	}
	res := Result{Revision: r.ID, SubChecks: make([]SubCheckResult, 0, len(r.Checks))}
	pass := true
	for _, c := range r.Checks {
		ok, err := c.Eval(rec)
		if err != nil {
			return Result{}, err
		}
		pass = pass && ok
		res.SubChecks = append(res.SubChecks, SubCheckResult{Name: c.Name, Passed: ok})
	}
	res.Verdict = dq.FromBool(pass)
	return res, nil
}
