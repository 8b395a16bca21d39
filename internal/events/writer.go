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

// Append records one transition event inside the caller's transaction, so the
// event commits atomically with the state change it describes. The per-run
// seq makes (run_id, type, ts, seq) a stable dedupe key for at-least-once
// consumers.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, domainName string, payload EventPayload) error {
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
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE run_id=?`, runID).Scan(&seq); err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,seq,type,run_id,domain,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, seq, evtType, runID, nullable(domainName), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
