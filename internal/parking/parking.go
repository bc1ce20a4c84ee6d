// Package parking tracks operations that outlive a single invocation. Starting a
// job only records its metadata; completion is decided later by an idempotent
// probe of the artifact the job writes.
package parking

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"folioline/internal/domain"
)

const (
	DefaultSettleInterval = 5 * time.Second
	DefaultAudioDeadline  = 2 * time.Hour
	DefaultVideoDeadline  = 6 * time.Hour
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Probe is the outcome of one stability check.
type Probe struct {
	Status    Status `json:"status"`
	SizeBytes int64  `json:"size_bytes"`
	Detail    string `json:"detail"`
}

// Sampler reports whether path exists and its size.
type Sampler interface {
	Sample(path string) (size int64, exists bool, err error)
}

// FileSampler samples the local filesystem.
type FileSampler struct{}

func (FileSampler) Sample(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.Size(), true, nil
}

// SleepContext waits d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Tracker struct {
	SettleInterval time.Duration
	Deadlines      map[string]time.Duration
	Sampler        Sampler
	Wait           func(ctx context.Context, d time.Duration) error
	Now            func() time.Time
}

// NewTracker returns a tracker over the local filesystem with default deadlines.
func NewTracker(settle time.Duration, deadlines map[string]time.Duration) *Tracker {
	d := map[string]time.Duration{
		domain.StageAudio: DefaultAudioDeadline,
		domain.StageVideo: DefaultVideoDeadline,
	}
	for k, v := range deadlines {
		if v > 0 {
			d[k] = v
		}
	}
	if settle <= 0 {
		settle = DefaultSettleInterval
	}
	return &Tracker{SettleInterval: settle, Deadlines: d}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *Tracker) sampler() Sampler {
	if t.Sampler != nil {
		return t.Sampler
	}
	return FileSampler{}
}

func (t *Tracker) wait(ctx context.Context, d time.Duration) error {
	if t.Wait != nil {
		return t.Wait(ctx, d)
	}
	return SleepContext(ctx, d)
}

func media(rec *domain.Record, stage string) (**domain.Media, error) {
	switch stage {
	case domain.StageAudio:
		return &rec.Fields.Audio, nil
	case domain.StageVideo:
		return &rec.Fields.Video, nil
	}
	return nil, fmt.Errorf("unknown job stage %q", stage)
}

// StartJob stamps the job metadata on a copy of rec. It never waits on the job.
// Starting the same handle again is a no-op; a different handle is rejected
// until the stage is reworked.
func (t *Tracker) StartJob(rec domain.Record, stage string, job domain.Job) (domain.Record, error) {
	out := rec.Clone()
	slot, err := media(&out, stage)
	if err != nil {
		return rec, err
	}
	if job.ArtifactPath == "" {
		return rec, fmt.Errorf("%s job: artifact_path required", stage)
	}
	if *slot != nil && (*slot).Job != nil {
		cur := (*slot).Job
		if job.Handle == "" || job.Handle == cur.Handle {
			return out, nil
		}
		return rec, &domain.FieldWriteError{Field: stage + ".job", Reason: fmt.Sprintf("job %s already started", cur.Handle)}
	}
	if job.Handle == "" {
		job.Handle = uuid.NewString()
	}
	now := t.now()
	job.StartedAt = now.Format(time.RFC3339)
	if d := t.Deadlines[stage]; d > 0 {
		job.DeadlineAt = now.Add(d).Format(time.RFC3339)
	}
	if *slot == nil {
		*slot = &domain.Media{}
	}
	(*slot).Job = &job
	return out, nil
}

// Probe decides the job state from two artifact samples taken one settle
// interval apart. It changes nothing and may be repeated freely.
func (t *Tracker) Probe(ctx context.Context, job domain.Job) (Probe, error) {
	s := t.sampler()
	if job.FailureMarkerPath != "" {
		_, exists, err := s.Sample(job.FailureMarkerPath)
		if err != nil {
			return Probe{}, fmt.Errorf("sample failure marker: %w", err)
		}
		if exists {
			return Probe{Status: StatusFailed, Detail: "failure marker present: " + job.FailureMarkerPath}, nil
		}
	}
	first, firstExists, err := s.Sample(job.ArtifactPath)
	if err != nil {
		return Probe{}, fmt.Errorf("sample artifact: %w", err)
	}
	if err := t.wait(ctx, t.SettleInterval); err != nil {
		return Probe{}, err
	}
	second, secondExists, err := s.Sample(job.ArtifactPath)
	if err != nil {
		return Probe{}, fmt.Errorf("sample artifact: %w", err)
	}
	if !secondExists || second == 0 {
		if t.pastDeadline(job) {
			return Probe{Status: StatusFailed, Detail: fmt.Sprintf("no artifact at %s by deadline %s", job.ArtifactPath, job.DeadlineAt)}, nil
		}
		return Probe{Status: StatusPending, Detail: "artifact missing or empty"}, nil
	}
	if !firstExists || first != second {
		if t.pastDeadline(job) {
			return Probe{Status: StatusFailed, SizeBytes: second, Detail: fmt.Sprintf("artifact still growing past deadline %s (%d -> %d bytes)", job.DeadlineAt, first, second)}, nil
		}
		return Probe{Status: StatusPending, SizeBytes: second, Detail: fmt.Sprintf("artifact still growing (%d -> %d bytes)", first, second)}, nil
	}
	return Probe{Status: StatusComplete, SizeBytes: second, Detail: fmt.Sprintf("artifact stable at %d bytes", second)}, nil
}

func (t *Tracker) pastDeadline(job domain.Job) bool {
	if job.DeadlineAt == "" {
		return false
	}
	deadline, err := time.Parse(time.RFC3339, job.DeadlineAt)
	if err != nil {
		return false
	}
	return t.now().After(deadline)
}

// Settle writes a final probe outcome onto a copy of rec. Complete fills the
// stage output; failed records the halt condition. Pending changes nothing.
func (t *Tracker) Settle(rec domain.Record, stage string, p Probe) (domain.Record, error) {
	out := rec.Clone()
	slot, err := media(&out, stage)
	if err != nil {
		return rec, err
	}
	if *slot == nil || (*slot).Job == nil {
		return rec, fmt.Errorf("%s job not started", stage)
	}
	switch p.Status {
	case StatusComplete:
		(*slot).OutputPath = (*slot).Job.ArtifactPath
		(*slot).SizeBytes = p.SizeBytes
	case StatusFailed:
		out.Fields.Halt = &domain.Halt{
			Stage:  stage,
			Kind:   "job",
			Reason: p.Detail,
			At:     t.now().Format(time.RFC3339),
		}
	}
	return out, nil
}
