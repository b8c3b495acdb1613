package runselectsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal run selection HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Verdict values.
const (
	Pass        = "pass"
	Fail        = "fail"
	Unavailable = "unavailable"
)

// ProcessorVerdict is the result of one processor under one track.
type ProcessorVerdict struct {
	Processor string   `json:"processor"`
	Revision  string   `json:"revision,omitempty"`
	Verdict   string   `json:"verdict"`
	Failed    []string `json:"failed,omitempty"`
}

// TrackVerdict aggregates the physics processors under one track.
type TrackVerdict struct {
	Trigger string             `json:"trigger"`
	Time    string             `json:"time"`
	Run     string             `json:"run"`
	PMT     string             `json:"pmt"`
	Overall string             `json:"overall"`
	Details []ProcessorVerdict `json:"details,omitempty"`
}

// LowLevel holds the run-level checks.
type LowLevel struct {
	RunType  string   `json:"run_type"`
	Duration string   `json:"duration"`
	CrateHV  string   `json:"crate_hv"`
	CrateDAC string   `json:"crate_dac"`
	Skip     bool     `json:"skip,omitempty"`
	Notes    []string `json:"notes,omitempty"`
}

// Verdict is the result for one run.
type Verdict struct {
	Run          int          `json:"run"`
	IsPhysicsRun bool         `json:"is_physics_run"`
	Original     TrackVerdict `json:"original"`
	Amended      TrackVerdict `json:"amended"`
	LowLevel     *LowLevel    `json:"lowlevel,omitempty"`
	EvaluationID string       `json:"evaluation_id,omitempty"`
}

// Document is a DQ document: processor name to check fields.
type Document struct {
	DocID    string                    `json:"doc_id,omitempty"`
	RunRange []int                     `json:"run_range,omitempty"`
	Checks   map[string]map[string]any `json:"checks"`
}

// StoredDocument is a document as kept by the server.
type StoredDocument struct {
	Document
	Run        int    `json:"run"`
	ImportedAt string `json:"imported_at"`
}

// Evaluation is a recorded verdict.
type Evaluation struct {
	ID          string       `json:"id"`
	Run         int          `json:"run"`
	Physics     bool         `json:"physics"`
	Original    TrackVerdict `json:"original"`
	Amended     TrackVerdict `json:"amended"`
	LowLevel    *LowLevel    `json:"lowlevel,omitempty"`
	Thresholds  string       `json:"thresholds"`
	EvaluatedAt string       `json:"evaluated_at"`
}

// Revision describes one criteria revision.
type Revision struct {
	ID          string   `json:"id"`
	Processor   string   `json:"processor"`
	Description string   `json:"description"`
	Introduced  string   `json:"introduced,omitempty"`
	Retired     string   `json:"retired,omitempty"`
	SubChecks   []string `json:"sub_checks"`
}

// Boundary selects a revision for runs from MinRun on.
type Boundary struct {
	Processor string `json:"processor"`
	Track     string `json:"track"`
	MinRun    int    `json:"min_run"`
	Revision  string `json:"revision"`
}

// Catalog lists the criteria in force.
type Catalog struct {
	Thresholds map[string]any `json:"thresholds"`
	Revisions  []Revision     `json:"revisions"`
	Boundaries []Boundary     `json:"boundaries"`
}

// Counts tallies verdicts.
type Counts struct {
	Pass        int `json:"pass"`
	Fail        int `json:"fail"`
	Unavailable int `json:"unavailable"`
}

// Stats tallies the latest evaluation of each run in a range.
type Stats struct {
	First int `json:"first"`
	Last  int `json:"last"`
	Stats struct {
		Runs    int `json:"runs"`
		Skipped int `json:"skipped"`
		Tracks  map[string]struct {
			Overall    Counts            `json:"overall"`
			Processors map[string]Counts `json:"processors"`
		} `json:"tracks"`
	} `json:"stats"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the error code of the response envelope, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal([]byte(e.Body), &env)
	return env.Error.Code
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) Catalog(ctx context.Context) (Catalog, error) {
	var resp Catalog
	err := c.do(ctx, http.MethodGet, "v0/catalog", nil, &resp)
	return resp, err
}

// Evaluate evaluates doc for run without storing anything. A nil doc is
// evaluated as absent.
func (c *Client) Evaluate(ctx context.Context, run int, doc *Document) (Verdict, error) {
	body := map[string]any{"run": run}
	if doc != nil {
		body["document"] = doc
	}
	var resp Verdict
	err := c.do(ctx, http.MethodPost, "v0/evaluate", body, &resp)
	return resp, err
}

// PutDocument stores doc as the document of run.
func (c *Client) PutDocument(ctx context.Context, run int, doc Document) (StoredDocument, error) {
	var resp StoredDocument
	err := c.do(ctx, http.MethodPut, runPath(run, "document"), doc, &resp)
	return resp, err
}

func (c *Client) Document(ctx context.Context, run int) (StoredDocument, error) {
	var resp StoredDocument
	err := c.do(ctx, http.MethodGet, runPath(run, "document"), nil, &resp)
	return resp, err
}

// Verdict evaluates the stored tables of run without recording the result.
func (c *Client) Verdict(ctx context.Context, run int) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodGet, runPath(run, "verdict"), nil, &resp)
	return resp, err
}

// EvaluateRun evaluates and records run.
func (c *Client) EvaluateRun(ctx context.Context, run int) (Verdict, error) {
	var resp Verdict
	err := c.do(ctx, http.MethodPost, runPath(run, "evaluations"), nil, &resp)
	return resp, err
}

// Evaluations returns the recorded evaluations of run, newest first.
func (c *Client) Evaluations(ctx context.Context, run int) ([]Evaluation, error) {
	var resp struct {
		Items []Evaluation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, runPath(run, "evaluations"), nil, &resp)
	return resp.Items, err
}

func (c *Client) Stats(ctx context.Context, first, last int) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/stats?first=%d&last=%d", first, last), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, optionally filtered by type.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor, evtType string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runPath(run int, p string) string {
	return fmt.Sprintf("v0/runs/%d/%s", run, p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
