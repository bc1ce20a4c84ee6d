package parking

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"folioline/internal/domain"
)

type sample struct {
	size   int64
	exists bool
}

// scriptedSampler replays artifact samples in order and reports markers by path.
type scriptedSampler struct {
	artifact []sample
	markers  map[string]bool
	calls    int
}

func (s *scriptedSampler) Sample(path string) (int64, bool, error) {
	if s.markers[path] {
		return 1, true, nil
	}
	if filepath.Ext(path) == ".failed" {
		return 0, false, nil
	}
	if s.calls >= len(s.artifact) {
		last := s.artifact[len(s.artifact)-1]
		return last.size, last.exists, nil
	}
	out := s.artifact[s.calls]
	s.calls++
	return out.size, out.exists, nil
}

func noWait(context.Context, time.Duration) error { return nil }

func newTestTracker(s Sampler, now time.Time) *Tracker {
	tr := NewTracker(time.Second, map[string]time.Duration{domain.StageAudio: time.Hour})
	tr.Sampler = s
	tr.Wait = noWait
	tr.Now = func() time.Time { return now }
	return tr
}

func job(started time.Time) domain.Job {
	return domain.Job{
		Handle:            "h1",
		ArtifactPath:      "/out/audio.mp3",
		FailureMarkerPath: "/out/audio.mp3.failed",
		StartedAt:         started.Format(time.RFC3339),
		DeadlineAt:        started.Add(time.Hour).Format(time.RFC3339),
	}
}

func TestProbeGrowingThenStable(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := &scriptedSampler{artifact: []sample{{100, true}, {150, true}, {150, true}, {150, true}}}
	tr := newTestTracker(s, start.Add(time.Minute))

	p, err := tr.Probe(context.Background(), job(start))
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusPending {
		t.Fatalf("100 -> 150 should be pending, got %+v", p)
	}
	p, err = tr.Probe(context.Background(), job(start))
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusComplete || p.SizeBytes != 150 {
		t.Fatalf("150 -> 150 should complete, got %+v", p)
	}
}

func TestProbeMissingOrZeroIsPending(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for _, samples := range [][]sample{
		{{0, false}, {0, false}},
		{{0, true}, {0, true}},
	} {
		tr := newTestTracker(&scriptedSampler{artifact: samples}, start.Add(time.Minute))
		p, err := tr.Probe(context.Background(), job(start))
		if err != nil {
			t.Fatal(err)
		}
		if p.Status != StatusPending {
			t.Fatalf("samples %v: expected pending, got %+v", samples, p)
		}
	}
}

func TestProbeFailureMarker(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	j := job(start)
	s := &scriptedSampler{artifact: []sample{{150, true}}, markers: map[string]bool{j.FailureMarkerPath: true}}
	p, err := newTestTracker(s, start).Probe(context.Background(), j)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", p)
	}
}

func TestProbeDeadline(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := &scriptedSampler{artifact: []sample{{0, false}}}
	p, err := newTestTracker(s, start.Add(2*time.Hour)).Probe(context.Background(), job(start))
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusFailed {
		t.Fatalf("missing artifact past deadline should fail, got %+v", p)
	}
}

func TestProbeGrowingPastDeadlineFails(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := &scriptedSampler{artifact: []sample{{50, true}, {100, true}}}
	p, err := newTestTracker(s, start.Add(3*time.Hour)).Probe(context.Background(), job(start))
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusFailed || !strings.Contains(p.Detail, "still growing past deadline") {
		t.Fatalf("artifact that never settles should fail at the deadline, got %+v", p)
	}

	s = &scriptedSampler{artifact: []sample{{50, true}, {100, true}}}
	p, err = newTestTracker(s, start.Add(30*time.Minute)).Probe(context.Background(), job(start))
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusPending {
		t.Fatalf("growth before the deadline should stay pending, got %+v", p)
	}
}

func TestProbeCancelled(t *testing.T) {
	start := time.Now().UTC()
	tr := NewTracker(time.Hour, nil)
	tr.Sampler = &scriptedSampler{artifact: []sample{{10, true}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Probe(ctx, job(start)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProbeIsIdempotent(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tr := newTestTracker(&scriptedSampler{artifact: []sample{{150, true}}}, start)
	first, err := tr.Probe(context.Background(), job(start))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		again, err := tr.Probe(context.Background(), job(start))
		if err != nil || again != first {
			t.Fatalf("probe %d = %+v, %v; want %+v", i, again, err, first)
		}
	}
}

func TestFileSampler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "video.mp4")
	if _, ok, err := (FileSampler{}).Sample(path); ok || err != nil {
		t.Fatalf("missing file: ok=%v err=%v", ok, err)
	}
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	size, ok, err := (FileSampler{}).Sample(path)
	if err != nil || !ok || size != 3 {
		t.Fatalf("size=%d ok=%v err=%v", size, ok, err)
	}
}

func TestStartJobAndSettle(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tr := newTestTracker(&scriptedSampler{artifact: []sample{{1, true}}}, now)
	rec := domain.Record{ID: "p1", State: domain.StateGeneratingAudio}

	started, err := tr.StartJob(rec, domain.StageAudio, domain.Job{Handle: "h1", ArtifactPath: "/out/a.mp3"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields.Audio != nil {
		t.Fatalf("input record mutated")
	}
	j := started.Fields.Audio.Job
	if j.StartedAt != "2026-01-01T10:00:00Z" || j.DeadlineAt != "2026-01-01T11:00:00Z" {
		t.Fatalf("job stamps: %+v", j)
	}
	again, err := tr.StartJob(started, domain.StageAudio, domain.Job{Handle: "h1", ArtifactPath: "/out/a.mp3"})
	if err != nil || again.Fields.Audio.Job.StartedAt != j.StartedAt {
		t.Fatalf("restarting same handle should be a no-op: %v", err)
	}
	if _, err := tr.StartJob(started, domain.StageAudio, domain.Job{Handle: "h2", ArtifactPath: "/out/a.mp3"}); err == nil {
		t.Fatalf("second handle should be rejected")
	}

	done, err := tr.Settle(started, domain.StageAudio, Probe{Status: StatusComplete, SizeBytes: 150})
	if err != nil {
		t.Fatal(err)
	}
	if done.Fields.Audio.OutputPath != "/out/a.mp3" || done.Fields.Audio.SizeBytes != 150 {
		t.Fatalf("settle complete: %+v", done.Fields.Audio)
	}
	failed, err := tr.Settle(started, domain.StageAudio, Probe{Status: StatusFailed, Detail: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if failed.Fields.Halt == nil || failed.Fields.Halt.Stage != domain.StageAudio || failed.Fields.Halt.Reason != "boom" {
		t.Fatalf("settle failed: %+v", failed.Fields.Halt)
	}
	if _, err := tr.StartJob(rec, "subtitles", domain.Job{ArtifactPath: "x"}); err == nil {
		t.Fatalf("unknown stage should fail")
	}
}
