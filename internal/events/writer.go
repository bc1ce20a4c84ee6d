// Package events mirrors record audit entries into the sqlite index used for
// tailing, API listing and webhook delivery. Record files stay authoritative;
// the index can always be rebuilt from them.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"folioline/internal/domain"
)

// Event is one indexed audit entry.
type Event struct {
	ID        int64  `json:"id"`
	EntryID   string `json:"entry_id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	Slot      string `json:"slot"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	ActorID   string `json:"actor_id"`
	Detail    string `json:"detail,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

type Writer struct {
	DB *sql.DB
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append mirrors entries of rec. Entries already indexed are skipped, so
// mirroring the whole log again after a crash is harmless.
func (w Writer) Append(ctx context.Context, rec domain.Record, entries ...domain.AuditEntry) error {
	if w.DB == nil || len(entries) == 0 {
		return nil
	}
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		if err := insert(ctx, tx, rec, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insert(ctx context.Context, ex execer, rec domain.Record, e domain.AuditEntry) error {
	payload := ""
	if len(e.Diagnostics) > 0 {
		data, err := json.Marshal(map[string]any{"diagnostics": e.Diagnostics})
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}
	_, err := ex.ExecContext(ctx, `INSERT OR IGNORE INTO events(entry_id,ts,type,project_id,slot,from_state,to_state,actor_id,detail,payload_json) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.At, e.Type, rec.ID, rec.Slot, nullable(string(e.From)), nullable(string(e.To)), e.Actor, nullable(e.Detail), nullable(payload))
	if err != nil {
		return fmt.Errorf("index audit entry %s: %w", e.ID, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
