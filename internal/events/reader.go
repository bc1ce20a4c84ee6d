package events

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"folioline/internal/domain"
)

type Filter struct {
	ProjectID string
	Type      string
	// Before returns only events with an id below it, for paging backwards.
	Before int64
	Limit  int
}

type Reader struct {
	DB *sql.DB
}

const columns = `id,entry_id,ts,type,project_id,slot,from_state,to_state,actor_id,detail,payload_json`

// Latest returns the newest events first.
func (r Reader) Latest(ctx context.Context, f Filter) ([]Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, columns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.query(ctx, query, args...)
}

// After returns events with ids greater than cursor in ascending order.
func (r Reader) After(ctx context.Context, cursor int64, limit int, projectID string) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, columns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.query(ctx, query, args...)
}

// LatestID returns the highest event id, optionally for one project.
func (r Reader) LatestID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Reader) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var from, to, detail, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.EntryID, &e.TS, &e.Type, &e.ProjectID, &e.Slot, &from, &to, &e.ActorID, &detail, &payload); err != nil {
			return nil, err
		}
		e.From, e.To, e.Detail, e.Payload = from.String, to.String, detail.String, payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// Reindex rebuilds the index from record files. Entries are ordered by time,
// then record seq, then position in the record's log.
func Reindex(ctx context.Context, db *sql.DB, recs []domain.Record) (int, error) {
	type item struct {
		rec   *domain.Record
		entry domain.AuditEntry
		pos   int
	}
	var items []item
	for i := range recs {
		for pos, e := range recs[i].AuditLog {
			items = append(items, item{rec: &recs[i], entry: e, pos: pos})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.entry.At != b.entry.At {
			return a.entry.At < b.entry.At
		}
		if a.rec.Seq != b.rec.Seq {
			return a.rec.Seq < b.rec.Seq
		}
		return a.pos < b.pos
	})
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return 0, fmt.Errorf("clear events: %w", err)
	}
	for _, it := range items {
		if err := insert(ctx, tx, *it.rec, it.entry); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(items), nil
}
