package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	DocumentImported = "document.imported"
	RunStateImported = "runstate.imported"
	DQLLImported     = "dqll.imported"
	RunEvaluated     = "run.evaluated"
	APIKeyCreated    = "apikey.created"
	APIKeyDeleted    = "apikey.deleted"
)

// Entity kinds.
const (
	KindRun    = "run"
	KindAPIKey = "api_key"
)

// All lists every event type, for config validation and docs.
var All = []string{DocumentImported, RunStateImported, DQLLImported, RunEvaluated, APIKeyCreated, APIKeyDeleted}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if tx == nil {
		return fmt.Errorf("append %s: transaction required", evtType)
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = "local-user"
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
