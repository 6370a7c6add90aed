// Package events appends rows to the activity log. Writes always ride the
// transaction of the state change they describe, so the log never records
// something that was rolled back.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event type names used across the engine.
const (
	TypeAnalysisCompleted = "analysis.completed"
	TypeRobustnessRun     = "robustness.run"
	TypeBatchSubmitted    = "batch.submitted"
	TypeBatchCompleted    = "batch.completed"
	TypeAPIKeyCreated     = "apikey.created"
	TypeAPIKeyDeleted     = "apikey.deleted"
)

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
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
