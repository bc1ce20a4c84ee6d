package repo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"folioline/internal/domain"
)

const (
	recordExt             = ".yml"
	lockExt               = ".lock"
	createLockName        = "_create"
	DefaultStaleLockAfter = 45 * time.Minute
)

var (
	ErrNotFound = errors.New("not found")
	ErrLocked   = errors.New("record locked by another invocation")
	ErrExists   = errors.New("record already exists")
)

// CorruptRecordError reports a record file that cannot be decoded. The file is
// left untouched for a human to inspect.
type CorruptRecordError struct {
	Path string
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record %s: %v", e.Path, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id is usable as a record file name.
func ValidID(id string) bool {
	return idPattern.MatchString(id) && !strings.Contains(id, "..")
}

// Store keeps one YAML document per record under Dir.
type Store struct {
	Dir            string
	StaleLockAfter time.Duration
	Now            func() time.Time
	Logger         *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open prepares <workspace>/.folioline/projects.
func Open(workspace string, staleLockAfter time.Duration) (*Store, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, ".folioline", "projects")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if staleLockAfter <= 0 {
		staleLockAfter = DefaultStaleLockAfter
	}
	return &Store{Dir: dir, StaleLockAfter: staleLockAfter}, nil
}

func (s *Store) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, id+recordExt)
}

// Lock is a held per-record critical section. While held, its lock file is
// touched every StaleLockAfter/4 so a slow holder never looks stale.
type Lock struct {
	// Broken is set when a stale lock file left by a dead invocation was removed.
	Broken     bool
	BrokenInfo string

	path  string
	token string
	mu    *sync.Mutex
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

// ErrLockLost reports a lock file that no longer carries the holder's token.
var ErrLockLost = errors.New("record lock lost")

// live holds the tokens of locks held by this process. A lock file carrying
// one of them is never stale.
var live sync.Map

func (l *Lock) Unlock() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if owner, _ := readLockToken(l.path); owner == l.token {
			_ = os.Remove(l.path)
		}
		live.Delete(l.token)
		l.mu.Unlock()
	})
}

// Held returns ErrLockLost when the lock file was removed or taken over.
func (l *Lock) Held() error {
	owner, err := readLockToken(l.path)
	if err != nil || owner != l.token {
		return fmt.Errorf("%w: %s", ErrLockLost, l.path)
	}
	return nil
}

func (l *Lock) heartbeat(every time.Duration) {
	defer close(l.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

func readLockToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, field := range strings.Fields(string(data)) {
		if v, ok := strings.CutPrefix(field, "token="); ok {
			return v, nil
		}
	}
	return "", nil
}

func (s *Store) keyed(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = map[string]*sync.Mutex{}
	}
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// Lock serializes work on id within this process and across processes. A lock
// file held by another live invocation yields ErrLocked.
func (s *Store) Lock(ctx context.Context, id string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id != createLockName && !ValidID(id) {
		return nil, fmt.Errorf("invalid record id %q", id)
	}
	m := s.keyed(id)
	m.Lock()
	lk := &Lock{path: filepath.Join(s.Dir, id+lockExt), token: uuid.NewString(), mu: m}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lk.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "token=%s pid=%d at=%s\n", lk.token, os.Getpid(), s.now().Format(time.RFC3339))
			f.Close()
			live.Store(lk.token, struct{}{})
			lk.stop = make(chan struct{})
			lk.done = make(chan struct{})
			go lk.heartbeat(s.heartbeatEvery())
			return lk, nil
		}
		if !os.IsExist(err) {
			m.Unlock()
			return nil, fmt.Errorf("create lock %s: %w", lk.path, err)
		}
		info, err := s.breakStale(id, lk.path)
		if err != nil {
			m.Unlock()
			return nil, err
		}
		if info != "" {
			lk.Broken = true
			lk.BrokenInfo = info
			s.logger().Printf("store: %s", info)
		}
	}
	m.Unlock()
	return nil, fmt.Errorf("%w: %s", ErrLocked, id)
}

func (s *Store) heartbeatEvery() time.Duration {
	every := s.StaleLockAfter / 4
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	return every
}

// breakStale removes the lock file at path when its holder is gone. Breakers
// serialize on a sibling .break file so two of them cannot both remove a lock
// and each recreate it. It returns a description of the broken lock, or ""
// when the file disappeared on its own.
func (s *Store) breakStale(id, path string) (string, error) {
	age, holder, err := s.lockAge(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inspect lock %s: %w", path, err)
	}
	if !s.stale(age, holder) {
		return "", fmt.Errorf("%w: %s (held for %s)", ErrLocked, id, age.Round(time.Second))
	}
	guard := path + ".break"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			if info, statErr := os.Stat(guard); statErr == nil && s.now().Sub(info.ModTime()) > s.StaleLockAfter {
				_ = os.Remove(guard)
			}
			return "", fmt.Errorf("%w: %s (stale lock being broken)", ErrLocked, id)
		}
		return "", fmt.Errorf("create %s: %w", guard, err)
	}
	g.Close()
	defer os.Remove(guard)

	again, current, err := s.lockAge(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inspect lock %s: %w", path, err)
	}
	if current != holder || !s.stale(again, current) {
		return "", fmt.Errorf("%w: %s", ErrLocked, id)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("break stale lock %s: %w", path, err)
	}
	return fmt.Sprintf("stale lock on %s broken after %s (%s)", id, again.Round(time.Second), current), nil
}

func (s *Store) lockAge(path string) (time.Duration, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	return s.now().Sub(info.ModTime()), strings.TrimSpace(string(data)), nil
}

func (s *Store) stale(age time.Duration, holder string) bool {
	if age <= s.StaleLockAfter {
		return false
	}
	for _, field := range strings.Fields(holder) {
		if token, ok := strings.CutPrefix(field, "token="); ok {
			if _, held := live.Load(token); held {
				return false
			}
		}
	}
	return true
}

// Load reads one record. A missing file is ErrNotFound; an undecodable one is *CorruptRecordError.
func (s *Store) Load(ctx context.Context, id string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	if !ValidID(id) {
		return domain.Record{}, ErrNotFound
	}
	return s.loadPath(s.path(id))
}

func (s *Store) loadPath(path string) (domain.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Record{}, ErrNotFound
		}
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, &CorruptRecordError{Path: path, Err: err}
	}
	want := strings.TrimSuffix(filepath.Base(path), recordExt)
	switch {
	case rec.ID != want:
		return domain.Record{}, &CorruptRecordError{Path: path, Err: fmt.Errorf("id %q does not match file name", rec.ID)}
	case !rec.State.Valid():
		return domain.Record{}, &CorruptRecordError{Path: path, Err: fmt.Errorf("unknown state %q", rec.State)}
	}
	return rec, nil
}

// Save replaces the record document atomically: the new content is written to a
// temporary file, synced, then renamed over the old one.
func (s *Store) Save(ctx context.Context, rec domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidID(rec.ID) {
		return fmt.Errorf("invalid record id %q", rec.ID)
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	return writeAtomic(s.path(rec.ID), data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Create persists a new record and assigns its seq. An existing id is ErrExists.
func (s *Store) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	lk, err := s.Lock(ctx, createLockName)
	if err != nil {
		return domain.Record{}, err
	}
	defer lk.Unlock()
	if _, err := os.Stat(s.path(rec.ID)); err == nil {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	names, err := s.ids()
	if err != nil {
		return domain.Record{}, err
	}
	var maxSeq int64
	for _, id := range names {
		existing, err := s.loadPath(s.path(id))
		if err != nil {
			// corrupt records do not take part in numbering
			continue
		}
		if existing.Seq > maxSeq {
			maxSeq = existing.Seq
		}
	}
	rec.Seq = maxSeq + 1
	if err := s.Save(ctx, rec); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

func (s *Store) ids() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	return ids, nil
}

// List returns every decodable record ordered by seq. Corrupt records are
// logged and reported through the second return value, never rewritten.
func (s *Store) List(ctx context.Context) ([]domain.Record, []*CorruptRecordError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ids, err := s.ids()
	if err != nil {
		return nil, nil, err
	}
	var recs []domain.Record
	var corrupt []*CorruptRecordError
	for _, id := range ids {
		rec, err := s.loadPath(s.path(id))
		if err != nil {
			var ce *CorruptRecordError
			if errors.As(err, &ce) {
				s.logger().Printf("store: %v", ce)
				corrupt = append(corrupt, ce)
				continue
			}
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	return recs, corrupt, nil
}
