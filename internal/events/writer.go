package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kravflyt/internal/domain"
)

// Writer appends events to a case log. Sequence numbers are assigned inside
// the caller's transaction; UNIQUE(case_id, seq) rejects a racing writer.
type Writer struct {
	DB    *sql.DB
	Now   func() time.Time
	NewID func() string
}

// Append stores evt as the next entry of its case and returns it with ID, Seq
// and Timestamp filled in. A zero Timestamp is set from Now.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.NewID == nil {
		w.NewID = uuid.NewString
	}
	if evt.CaseID == "" {
		return evt, fmt.Errorf("event case_id required")
	}
	if evt.Type == "" {
		return evt, fmt.Errorf("event type required")
	}
	if evt.ID == "" {
		evt.ID = w.NewID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = w.Now()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	if len(evt.Payload) == 0 {
		evt.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(evt.Payload) {
		return evt, fmt.Errorf("event payload is not valid json")
	}
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE case_id=?`, evt.CaseID).Scan(&evt.Seq); err != nil {
		return evt, fmt.Errorf("next seq: %w", err)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO events(id,case_id,seq,ts,type,actor_id,role,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		evt.ID, evt.CaseID, evt.Seq, evt.Timestamp.Format(time.RFC3339Nano), string(evt.Type), evt.ActorID, string(evt.Role), string(evt.Payload))
	if err != nil {
		return evt, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

// Marshal encodes a payload struct for an event.
func Marshal(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}
