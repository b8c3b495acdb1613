package domain

// RunDocument is a stored DQHL run document.
type RunDocument struct {
	Run          int    `json:"run"`
	DocID        string `json:"doc_id,omitempty"`
	ChecksJSON   string `json:"checks_json"`
	RunRangeJSON string `json:"run_range_json,omitempty"`
	ImportedAt   string `json:"imported_at" format:"date-time"`
}

// RunState is the RUN table row of one run.
type RunState struct {
	Run        int    `json:"run"`
	RunType    uint32 `json:"run_type"`
	ImportedAt string `json:"imported_at" format:"date-time"`
}

// DQLLTable is the DQLL table row of one run.
type DQLLTable struct {
	Run        int    `json:"run"`
	DataJSON   string `json:"data_json"`
	ImportedAt string `json:"imported_at" format:"date-time"`
}

// Evaluation is one persisted verdict.
type Evaluation struct {
	ID              string `json:"id"`
	Run             int    `json:"run"`
	Physics         bool   `json:"physics"`
	OriginalOverall string `json:"original_overall" enum:"pass,fail,unavailable"`
	AmendedOverall  string `json:"amended_overall" enum:"pass,fail,unavailable"`
	OriginalJSON    string `json:"original_json"`
	AmendedJSON     string `json:"amended_json"`
	LowLevelJSON    string `json:"lowlevel_json,omitempty"`
	Thresholds      string `json:"thresholds"`
	EvaluatedAt     string `json:"evaluated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
