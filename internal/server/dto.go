package server

import (
	"encoding/json"

	"runselect/internal/app"
	"runselect/internal/criteria"
	"runselect/internal/domain"
	"runselect/internal/dq"
	"runselect/internal/engine"
	"runselect/internal/lowlevel"
)

type HealthResponse struct {
	Status     string `json:"status"`
	Thresholds string `json:"thresholds"`
}

type RevisionResponse struct {
	ID          string   `json:"id"`
	Processor   string   `json:"processor"`
	Description string   `json:"description"`
	Introduced  string   `json:"introduced,omitempty"`
	Retired     string   `json:"retired,omitempty"`
	SubChecks   []string `json:"sub_checks"`
}

type BoundaryResponse struct {
	Processor string `json:"processor"`
	Track     string `json:"track" enum:"original,amended"`
	MinRun    int    `json:"min_run"`
	Revision  string `json:"revision"`
}

type CatalogResponse struct {
	Thresholds criteria.Thresholds `json:"thresholds"`
	Revisions  []RevisionResponse  `json:"revisions"`
	Boundaries []BoundaryResponse  `json:"boundaries"`
}

// DocumentBody is a DQ document sent inline.
type DocumentBody struct {
	DocID    string                     `json:"doc_id,omitempty"`
	RunRange []int                      `json:"run_range,omitempty"`
	Checks   map[dq.Processor]dq.Checks `json:"checks"`
}

func (d DocumentBody) record() (*dq.CheckRecord, error) {
	return app.DocumentInput{DocID: d.DocID, RunRange: d.RunRange, Checks: d.Checks}.Record()
}

type EvaluateRequest struct {
	Run      int           `json:"run" minimum:"0"`
	Document *DocumentBody `json:"document,omitempty"`
}

// VerdictResponse is a run verdict plus the run-level checks when known.
type VerdictResponse struct {
	engine.RunVerdict
	LowLevel     *lowlevel.Result `json:"lowlevel,omitempty"`
	EvaluationID string           `json:"evaluation_id,omitempty"`
}

type DocumentResponse struct {
	Run        int                        `json:"run"`
	DocID      string                     `json:"doc_id,omitempty"`
	RunRange   []int                      `json:"run_range,omitempty"`
	Checks     map[dq.Processor]dq.Checks `json:"checks"`
	ImportedAt string                     `json:"imported_at" format:"date-time"`
}

type EvaluationResponse struct {
	ID          string              `json:"id"`
	Run         int                 `json:"run"`
	Physics     bool                `json:"physics"`
	Original    engine.TrackVerdict `json:"original"`
	Amended     engine.TrackVerdict `json:"amended"`
	LowLevel    *lowlevel.Result    `json:"lowlevel,omitempty"`
	Thresholds  string              `json:"thresholds"`
	EvaluatedAt string              `json:"evaluated_at" format:"date-time"`
}

type evaluationList struct {
	Items []EvaluationResponse `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

// Conversion helpers

func catalogResponse(c *criteria.Catalog) CatalogResponse {
	res := CatalogResponse{Thresholds: c.Thresholds()}
	for _, r := range c.Revisions() {
		res.Revisions = append(res.Revisions, RevisionResponse{
			ID:          r.ID,
			Processor:   string(r.Processor),
			Description: r.Description,
			Introduced:  r.Introduced,
			Retired:     r.Retired,
			SubChecks:   nonNilSlice(r.SubCheckNames()),
		})
	}
	for _, b := range c.Boundaries() {
		res.Boundaries = append(res.Boundaries, BoundaryResponse{
			Processor: string(b.Processor),
			Track:     string(b.Track),
			MinRun:    b.MinRun,
			Revision:  b.Revision,
		})
	}
	res.Revisions = nonNilSlice(res.Revisions)
	res.Boundaries = nonNilSlice(res.Boundaries)
	return res
}

func documentResponse(d domain.RunDocument) (DocumentResponse, error) {
	res := DocumentResponse{Run: d.Run, DocID: d.DocID, ImportedAt: d.ImportedAt}
	if err := json.Unmarshal([]byte(d.ChecksJSON), &res.Checks); err != nil {
		return res, err
	}
	if d.RunRangeJSON != "" {
		if err := json.Unmarshal([]byte(d.RunRangeJSON), &res.RunRange); err != nil {
			return res, err
		}
	}
	return res, nil
}

func evaluationResponse(e domain.Evaluation) (EvaluationResponse, error) {
	v, err := app.VerdictOf(e)
	if err != nil {
		return EvaluationResponse{}, err
	}
	res := EvaluationResponse{
		ID:          e.ID,
		Run:         e.Run,
		Physics:     e.Physics,
		Original:    v.Original,
		Amended:     v.Amended,
		Thresholds:  e.Thresholds,
		EvaluatedAt: e.EvaluatedAt,
	}
	if e.LowLevelJSON != "" {
		var ll lowlevel.Result
		if err := json.Unmarshal([]byte(e.LowLevelJSON), &ll); err == nil {
			res.LowLevel = &ll
		}
	}
	return res, nil
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
