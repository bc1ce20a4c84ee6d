package events

import (
	"context"
	"database/sql"
	"testing"

	"folioline/internal/db"
	"folioline/internal/domain"
	"folioline/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func record(id string, seq int64, entries ...domain.AuditEntry) domain.Record {
	return domain.Record{ID: id, Slot: domain.DefaultSlot, Seq: seq, State: domain.StateSelected, AuditLog: entries}
}

func entry(id, at, typ string) domain.AuditEntry {
	return domain.AuditEntry{ID: id, At: at, Type: typ, Actor: "tester"}
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := newTestDB(t)
	w := Writer{DB: conn}
	r := Reader{DB: conn}
	rec := record("alpha", 1,
		entry("e1", "2026-01-01T00:00:00Z", domain.AuditProjectCreated),
		domain.AuditEntry{ID: "e2", At: "2026-01-01T00:01:00Z", Type: domain.AuditTransition, From: domain.StateSelected, To: domain.StateResearched, Actor: "runner"},
	)
	if err := w.Append(ctx, rec, rec.AuditLog...); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, rec, rec.AuditLog...); err != nil {
		t.Fatal(err)
	}
	evts, err := r.Latest(ctx, Filter{ProjectID: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}
	if evts[0].Type != domain.AuditTransition || evts[0].From != "SELECTED" || evts[0].To != "RESEARCHED" {
		t.Fatalf("newest event = %+v", evts[0])
	}
}

func TestAfterCursor(t *testing.T) {
	ctx := context.Background()
	conn := newTestDB(t)
	w := Writer{DB: conn}
	r := Reader{DB: conn}
	a := record("alpha", 1, entry("a1", "2026-01-01T00:00:00Z", domain.AuditProjectCreated))
	b := record("beta", 2, entry("b1", "2026-01-01T00:00:01Z", domain.AuditProjectCreated))
	for _, rec := range []domain.Record{a, b} {
		if err := w.Append(ctx, rec, rec.AuditLog...); err != nil {
			t.Fatal(err)
		}
	}
	first, err := r.After(ctx, 0, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ProjectID != "alpha" {
		t.Fatalf("after 0 = %+v", first)
	}
	rest, err := r.After(ctx, first[0].ID, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ProjectID != "beta" {
		t.Fatalf("after cursor = %+v", rest)
	}
	latest, err := r.LatestID(ctx, "alpha")
	if err != nil || latest != first[0].ID {
		t.Fatalf("latest id = %d, %v", latest, err)
	}
}

func TestReindexOrdersByTime(t *testing.T) {
	ctx := context.Background()
	conn := newTestDB(t)
	recs := []domain.Record{
		record("beta", 2, entry("b1", "2026-01-01T00:00:05Z", domain.AuditProjectCreated)),
		record("alpha", 1,
			entry("a1", "2026-01-01T00:00:00Z", domain.AuditProjectCreated),
			domain.AuditEntry{ID: "a2", At: "2026-01-01T00:00:09Z", Type: domain.AuditGateEvaluated, Actor: "runner", Diagnostics: []string{"coverage ok"}},
		),
	}
	n, err := Reindex(ctx, conn, recs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("indexed %d", n)
	}
	evts, err := Reader{DB: conn}.After(ctx, 0, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	got := []string{evts[0].EntryID, evts[1].EntryID, evts[2].EntryID}
	if got[0] != "a1" || got[1] != "b1" || got[2] != "a2" {
		t.Fatalf("order = %v", got)
	}
	if evts[2].Payload == "" {
		t.Fatalf("diagnostics payload missing")
	}
	if _, err := Reindex(ctx, conn, recs); err != nil {
		t.Fatal(err)
	}
	all, err := Reader{DB: conn}.Latest(ctx, Filter{Limit: 10})
	if err != nil || len(all) != 3 {
		t.Fatalf("reindex twice: %d events, %v", len(all), err)
	}
}
