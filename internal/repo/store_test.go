package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"folioline/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), time.Minute)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func newRecord(id string) domain.Record {
	return domain.Record{
		ID:        id,
		Slot:      domain.DefaultSlot,
		State:     domain.StateSelected,
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-01-01T00:00:00Z",
		Fields:    domain.Fields{Source: &domain.Source{Title: "De gradibus", Path: "sources/degradibus.txt"}},
	}
}

func TestCreateLoadSave(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.Create(ctx, newRecord("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Create(ctx, newRecord("beta"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Seq != 1 || b.Seq != 2 {
		t.Fatalf("seq = %d, %d", a.Seq, b.Seq)
	}
	if _, err := s.Create(ctx, newRecord("alpha")); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := s.Load(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields.Source.Title != "De gradibus" || got.State != domain.StateSelected {
		t.Fatalf("loaded %+v", got)
	}
	got.State = domain.StateResearched
	got.Fields.Research = &domain.Research{OutputPath: "out/research.md"}
	if err := s.Save(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, err := s.Load(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if again.State != domain.StateResearched || again.Fields.Research.OutputPath != "out/research.md" {
		t.Fatalf("save not persisted: %+v", again)
	}
	if _, err := os.Stat(s.path("alpha") + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Load(context.Background(), "../escape"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for invalid id, got %v", err)
	}
}

func TestCorruptRecordIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.Create(ctx, newRecord("good")); err != nil {
		t.Fatal(err)
	}
	bad := []byte("id: broken\nstate: [not, a, state\n")
	path := filepath.Join(s.Dir, "broken.yml")
	if err := os.WriteFile(path, bad, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.Load(ctx, "broken")
	var ce *CorruptRecordError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CorruptRecordError, got %v", err)
	}
	recs, corrupt, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || len(corrupt) != 1 {
		t.Fatalf("list: %d records, %d corrupt", len(recs), len(corrupt))
	}
	data, _ := os.ReadFile(path)
	if string(data) != string(bad) {
		t.Fatalf("corrupt record was rewritten")
	}
}

func TestUnknownStateIsCorrupt(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir, "odd.yml"), []byte("id: odd\nstate: DANCING\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var ce *CorruptRecordError
	if _, err := s.Load(context.Background(), "odd"); !errors.As(err, &ce) {
		t.Fatalf("expected CorruptRecordError, got %v", err)
	}
}

func TestLockAcrossStores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := Open(dir, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Open(dir, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	lk, err := first.Lock(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.Lock(ctx, "alpha"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	other, err := second.Lock(ctx, "beta")
	if err != nil {
		t.Fatalf("unrelated record should lock: %v", err)
	}
	other.Unlock()
	lk.Unlock()
	lk.Unlock()
	again, err := second.Lock(ctx, "alpha")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again.Unlock()
}

func TestStaleLockIsBroken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	path := filepath.Join(s.Dir, "alpha.lock")
	if err := os.WriteFile(path, []byte("pid=1 at=2020-01-01T00:00:00Z\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	lk, err := s.Lock(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer lk.Unlock()
	if !lk.Broken || lk.BrokenInfo == "" {
		t.Fatalf("expected broken stale lock, got %+v", lk)
	}
}

func TestLiveLockIsNotBroken(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	holder, err := Open(dir, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	later, err := Open(dir, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	later.Now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	lk, err := holder.Lock(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := later.Lock(ctx, "alpha"); !errors.Is(err, ErrLocked) {
		t.Fatalf("lock held by a live invocation was taken: %v", err)
	}

	time.Sleep(600 * time.Millisecond)
	info, err := os.Stat(filepath.Join(dir, ".folioline", "projects", "alpha.lock"))
	if err != nil {
		t.Fatal(err)
	}
	if age := time.Since(info.ModTime()); age > 200*time.Millisecond {
		t.Fatalf("lock file not refreshed while held (age %s)", age)
	}
	if err := lk.Held(); err != nil {
		t.Fatalf("held lock reported lost: %v", err)
	}
	lk.Unlock()
	again, err := later.Lock(ctx, "alpha")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again.Unlock()
}

func TestUnlockLeavesForeignLockFile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	lk, err := s.Lock(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(s.Dir, "alpha.lock")
	foreign := "token=someone-else pid=1 at=2026-01-01T00:00:00Z\n"
	if err := os.WriteFile(path, []byte(foreign), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := lk.Held(); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	lk.Unlock()
	data, err := os.ReadFile(path)
	if err != nil || string(data) != foreign {
		t.Fatalf("unlock removed a lock it did not own: %q %v", data, err)
	}
}
