package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"folioline/internal/collab"
	"folioline/internal/config"
	"folioline/internal/domain"
	"folioline/internal/events"
	"folioline/internal/gate"
	"folioline/internal/parking"
	"folioline/internal/repo"
)

// Engine owns every state change of every record. Records are loaded, changed
// and saved under the store's per-record lock.
type Engine struct {
	Store         *repo.Store
	Events        events.Writer
	Config        *config.Config
	Table         *Table
	Gates         Gates
	Tracker       *parking.Tracker
	Collaborators map[string]collab.Collaborator
	Publisher     collab.Publisher
	Workspace     string
	Now           func() time.Time
	Logger        *log.Logger
}

// New wires an engine from config. conn may be nil when no audit index is kept.
func New(workspace string, store *repo.Store, conn *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	gates, err := BuildGates(cfg)
	if err != nil {
		return Engine{}, err
	}
	collabs, pub := collab.FromConfig(cfg, workspace)
	return Engine{
		Store:         store,
		Events:        events.Writer{DB: conn},
		Config:        cfg,
		Table:         NewTable(gates.Budget),
		Gates:         gates,
		Tracker:       parking.NewTracker(cfg.Parking.SettleInterval, map[string]time.Duration{domain.StageAudio: cfg.Parking.AudioDeadline, domain.StageVideo: cfg.Parking.VideoDeadline}),
		Collaborators: collabs,
		Publisher:     pub,
		Workspace:     workspace,
		Now:           time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) maxAttempts() int {
	if e.Config == nil || e.Config.Workflow.MaxAttempts < 1 {
		return 3
	}
	return e.Config.Workflow.MaxAttempts
}

func (e Engine) slot() string {
	if e.Config == nil || e.Config.Workflow.Slot == "" {
		return domain.DefaultSlot
	}
	return e.Config.Workflow.Slot
}

func (e Engine) audit(rec *domain.Record, typ, actor string, from, to domain.State, detail string, diags ...string) {
	rec.AuditLog = append(rec.AuditLog, domain.AuditEntry{
		ID:          uuid.NewString(),
		At:          e.stamp(),
		Type:        typ,
		From:        from,
		To:          to,
		Actor:       actor,
		Detail:      detail,
		Diagnostics: append([]string(nil), diags...),
	})
}

// update runs fn on the locked record. Anything fn appended to the audit log is
// persisted, even when fn returns an error, so every refusal leaves a trace.
func (e Engine) update(ctx context.Context, id, actor string, fn func(rec *domain.Record) error) (domain.Record, error) {
	lk, err := e.Store.Lock(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	defer lk.Unlock()
	rec, err := e.Store.Load(ctx, id)
	if err != nil {
		var ce *repo.CorruptRecordError
		if errors.As(err, &ce) {
			e.logger().Printf("engine: %v", ce)
		}
		return domain.Record{}, err
	}
	before := len(rec.AuditLog)
	if lk.Broken {
		e.audit(&rec, domain.AuditLockBroken, actor, "", "", lk.BrokenInfo)
	}
	fnErr := fn(&rec)
	if len(rec.AuditLog) == before {
		return rec, fnErr
	}
	if err := lk.Held(); err != nil {
		return rec, errors.Join(fnErr, err)
	}
	if err := e.persist(ctx, &rec, before); err != nil {
		return rec, errors.Join(fnErr, err)
	}
	return rec, fnErr
}

func (e Engine) persist(ctx context.Context, rec *domain.Record, since int) error {
	rec.UpdatedAt = e.stamp()
	if err := e.Store.Save(ctx, *rec); err != nil {
		return fmt.Errorf("save %s: %w", rec.ID, err)
	}
	if err := e.Events.Append(ctx, *rec, rec.AuditLog[since:]...); err != nil {
		e.logger().Printf("engine: audit index for %s: %v", rec.ID, err)
	}
	return nil
}

// CreateOptions are parameters for creating a record.
type CreateOptions struct {
	ID     string
	Slot   string
	Source domain.Source
	Actor  string
}

func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Record, error) {
	if strings.TrimSpace(opts.Source.Title) == "" {
		return domain.Record{}, errors.New("source.title is required")
	}
	if strings.TrimSpace(opts.Source.Path) == "" {
		return domain.Record{}, errors.New("source.path is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if !repo.ValidID(id) {
		return domain.Record{}, fmt.Errorf("invalid project id %q", id)
	}
	slot := opts.Slot
	if slot == "" {
		slot = e.slot()
	}
	src := opts.Source
	now := e.stamp()
	rec := domain.Record{
		ID:        id,
		Slot:      slot,
		State:     domain.StateSelected,
		CreatedAt: now,
		UpdatedAt: now,
		Fields:    domain.Fields{Source: &src},
	}
	e.audit(&rec, domain.AuditProjectCreated, actorOr(opts.Actor), "", domain.StateSelected, "source: "+src.Title)
	rec, err := e.Store.Create(ctx, rec)
	if err != nil {
		return domain.Record{}, err
	}
	if err := e.Events.Append(ctx, rec, rec.AuditLog...); err != nil {
		e.logger().Printf("engine: audit index for %s: %v", rec.ID, err)
	}
	return rec, nil
}

func actorOr(actor string) string {
	if actor == "" {
		return "local-user"
	}
	return actor
}

func (e Engine) Get(ctx context.Context, id string) (domain.Record, error) {
	return e.Store.Load(ctx, id)
}

type ListFilter struct {
	Slot            string
	State           domain.State
	IncludeTerminal bool
}

// List returns records ordered by seq.
func (e Engine) List(ctx context.Context, f ListFilter) ([]domain.Record, error) {
	recs, _, err := e.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Record
	for _, r := range recs {
		if f.Slot != "" && r.Slot != f.Slot {
			continue
		}
		if f.State != "" && r.State != f.State {
			continue
		}
		if !f.IncludeTerminal && f.State == "" && r.State.Terminal() {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ListActive returns the oldest non-terminal record of slot, or nil when the
// slot is idle. Records created in the same second are ordered by seq.
func (e Engine) ListActive(ctx context.Context, slot string) (*domain.Record, error) {
	if slot == "" {
		slot = e.slot()
	}
	recs, err := e.List(ctx, ListFilter{Slot: slot})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt < recs[j].CreatedAt
		}
		return recs[i].Seq < recs[j].Seq
	})
	return &recs[0], nil
}

// AttemptTransition takes a declared edge when its guard holds against the
// persisted record. No caller-supplied precondition is consulted.
func (e Engine) AttemptTransition(ctx context.Context, id string, target domain.State, actor string) (domain.Record, error) {
	return e.update(ctx, id, actorOr(actor), func(rec *domain.Record) error {
		if edge, ok := e.Table.Edge(rec.State, target); ok && edge.Rework {
			return e.refuse(rec, target, actorOr(actor), "rework edges are taken by rework or resume")
		}
		return e.transition(rec, target, actorOr(actor))
	})
}

func (e Engine) transition(rec *domain.Record, target domain.State, actor string) error {
	from := rec.State
	edge, ok := e.Table.Edge(from, target)
	if !ok {
		return e.refuse(rec, target, actor, "undeclared edge")
	}
	if unmet := edge.Guard.Unmet(*rec); len(unmet) > 0 {
		e.audit(rec, domain.AuditGuardRejected, actor, from, target, "guard unmet", unmet...)
		return &TransitionError{ID: rec.ID, From: from, To: target, Reason: "guard unmet", Unmet: unmet}
	}
	rec.State = target
	if rec.Attempts != nil {
		delete(rec.Attempts, from)
		if len(rec.Attempts) == 0 {
			rec.Attempts = nil
		}
	}
	e.audit(rec, domain.AuditTransition, actor, from, target, "")
	return nil
}

// refuse audits a refused transition on a live record. Terminal records are
// never written again.
func (e Engine) refuse(rec *domain.Record, target domain.State, actor, reason string) error {
	if !rec.State.Terminal() {
		e.audit(rec, domain.AuditTransitionRefused, actor, rec.State, target, reason)
	}
	return &TransitionError{ID: rec.ID, From: rec.State, To: target, Reason: reason}
}

// RecordGate runs the gate owning field against the persisted record and writes
// its verdict. Verdicts are never supplied by callers, and a field that already
// holds one is refused until rework clears it.
func (e Engine) RecordGate(ctx context.Context, id, field, actor string) (domain.Record, error) {
	if _, err := e.Gates.For(field); err != nil {
		return domain.Record{}, err
	}
	return e.update(ctx, id, actorOr(actor), func(rec *domain.Record) error {
		want, ok := gateField(rec.State)
		if !ok || want != field {
			return &StateError{ID: rec.ID, Op: "record " + field, State: rec.State}
		}
		if verdictOf(*rec, field) != nil {
			return fmt.Errorf("%w: %s on %s", ErrVerdictRecorded, field, rec.ID)
		}
		_, err := e.runGate(rec, field, actorOr(actor))
		return err
	})
}

// runGate evaluates the gate for field, fail-closed on unreadable inputs, and
// records the verdict.
func (e Engine) runGate(rec *domain.Record, field, actor string) (gate.Verdict, error) {
	g, err := e.Gates.For(field)
	if err != nil {
		return gate.Verdict{}, err
	}
	verdict := e.EvaluateGate(g, *rec, field)
	if err := e.recordGate(rec, field, g.Name(), verdict, actor); err != nil {
		return gate.Verdict{}, err
	}
	return verdict, nil
}

// EvaluateGate runs g on the inputs of rec without recording anything.
func (e Engine) EvaluateGate(g gate.Gate, rec domain.Record, field string) gate.Verdict {
	in, failed := e.GateInputs(rec, field)
	if failed != nil {
		return *failed
	}
	return g.Evaluate(in)
}

func (e Engine) recordGate(rec *domain.Record, field, name string, verdict gate.Verdict, actor string) error {
	if err := setVerdict(rec, field, verdict.Result(name, e.stamp())); err != nil {
		return err
	}
	e.audit(rec, domain.AuditGateEvaluated, actor, rec.State, "", fmt.Sprintf("%s %s passed=%t", field, name, verdict.Passed), verdict.Diagnostics...)
	return nil
}

// actionState maps collaborator actions to the state in which they run.
var actionState = map[string]domain.State{
	config.ActionResearch:  domain.StateSelected,
	config.ActionTranslate: domain.StateTranslating,
	config.ActionAudio:     domain.StateGeneratingAudio,
	config.ActionVideo:     domain.StateGeneratingVideo,
	config.ActionUpload:    domain.StateUploading,
}

// actionSections lists the record sections each action may write.
var actionSections = map[string][]string{
	config.ActionResearch:  {domain.SectionResearch},
	config.ActionTranslate: {domain.SectionTranslation},
	config.ActionUpload:    {domain.SectionPublish},
}

// ApplyCollaboratorResult merges a collaborator result produced outside the
// step driver. It never transitions.
func (e Engine) ApplyCollaboratorResult(ctx context.Context, id, action string, res collab.Result, actor string) (domain.Record, error) {
	return e.update(ctx, id, actorOr(actor), func(rec *domain.Record) error {
		if want, ok := actionState[action]; !ok || rec.State != want {
			return &StateError{ID: rec.ID, Op: "apply " + action + " result", State: rec.State}
		}
		return e.applyResult(rec, action, res, actorOr(actor))
	})
}

// applyResult is all-or-nothing: a rejected field or cost leaves rec unchanged.
func (e Engine) applyResult(rec *domain.Record, action string, res collab.Result, actor string) error {
	next := rec.Clone()
	if err := next.Fields.Apply(res.Fields, actionSections[action]...); err != nil {
		return fmt.Errorf("%s result rejected: %w", action, err)
	}
	for _, c := range res.Costs {
		if err := next.Costs.Add(c); err != nil {
			return fmt.Errorf("%s result rejected: %w", action, err)
		}
	}
	var jobStage string
	switch action {
	case config.ActionAudio:
		jobStage = domain.StageAudio
	case config.ActionVideo:
		jobStage = domain.StageVideo
	}
	if jobStage != "" {
		if res.Job == nil {
			return fmt.Errorf("%s result rejected: job descriptor required", action)
		}
		started, err := e.tracker().StartJob(next, jobStage, *res.Job)
		if err != nil {
			return fmt.Errorf("%s result rejected: %w", action, err)
		}
		next = started
	} else if res.Job != nil {
		return fmt.Errorf("%s result rejected: %s does not start jobs", action, action)
	}
	next.AuditLog = rec.AuditLog
	*rec = next
	detail := action
	if len(res.Costs) > 0 {
		detail = fmt.Sprintf("%s cost=%.2f total=%.2f", action, sumCosts(res.Costs), rec.Costs.Total)
	}
	e.audit(rec, domain.AuditCollaboratorCompleted, actor, rec.State, "", detail)
	if jobStage != "" {
		j := media(*rec, jobStage).Job
		e.audit(rec, domain.AuditJobStarted, actor, rec.State, "", fmt.Sprintf("%s job %s artifact=%s deadline=%s", jobStage, j.Handle, j.ArtifactPath, j.DeadlineAt))
	}
	return nil
}

func sumCosts(cs []domain.Cost) float64 {
	var total float64
	for _, c := range cs {
		total += c.Amount
	}
	return total
}

func (e Engine) tracker() *parking.Tracker {
	if e.Tracker != nil {
		return e.Tracker
	}
	return parking.NewTracker(0, nil)
}

// RecordFailure counts a failed automatic attempt in the current state. Reaching
// the bound also records that human intervention is required.
func (e Engine) RecordFailure(ctx context.Context, id, kind, cause, actor string) (domain.Record, error) {
	return e.update(ctx, id, actorOr(actor), func(rec *domain.Record) error {
		if rec.State.Terminal() {
			return &StateError{ID: rec.ID, Op: "record failure", State: rec.State}
		}
		e.recordFailure(rec, kind, cause, actorOr(actor))
		return nil
	})
}

func (e Engine) recordFailure(rec *domain.Record, kind, cause, actor string) int {
	if rec.Attempts == nil {
		rec.Attempts = map[domain.State]int{}
	}
	rec.Attempts[rec.State]++
	n := rec.Attempts[rec.State]
	limit := e.maxAttempts()
	e.audit(rec, domain.AuditCollaboratorFailed, actor, rec.State, "", fmt.Sprintf("%s: %s (attempt %d of %d)", kind, cause, n, limit))
	if n >= limit {
		e.audit(rec, domain.AuditInterventionRequired, actor, rec.State, "", fmt.Sprintf("%d failed attempts in %s", n, rec.State))
	}
	return n
}

// ApproveReview records the human approval of a finished package.
func (e Engine) ApproveReview(ctx context.Context, id, actor, note string) (domain.Record, error) {
	return e.review(ctx, id, actor, note, true)
}

// RejectReview records a rejection. The record stays in REVIEW until reworked.
func (e Engine) RejectReview(ctx context.Context, id, actor, note string) (domain.Record, error) {
	return e.review(ctx, id, actor, note, false)
}

func (e Engine) review(ctx context.Context, id, actor, note string, approved bool) (domain.Record, error) {
	if actor == "" {
		return domain.Record{}, errors.New("actor is required for review")
	}
	return e.update(ctx, id, actor, func(rec *domain.Record) error {
		op, typ := "approve review", domain.AuditHumanReviewApproved
		if !approved {
			op, typ = "reject review", domain.AuditHumanReviewRejected
		}
		if rec.State != domain.StateReview {
			return &StateError{ID: rec.ID, Op: op, State: rec.State}
		}
		ok := approved
		rec.Fields.Review = &domain.Review{Approved: &ok, By: actor, At: e.stamp(), Note: note}
		e.audit(rec, typ, actor, rec.State, "", note)
		return nil
	})
}

// MakePublic changes the video visibility through the publisher and completes
// the record. It is the only path to public visibility.
func (e Engine) MakePublic(ctx context.Context, id, actor string) (domain.Record, error) {
	if actor == "" {
		return domain.Record{}, errors.New("actor is required to publish")
	}
	if e.Publisher == nil {
		return domain.Record{}, fmt.Errorf("%w: %s", ErrNoCollaborator, config.ActionPublishVisibility)
	}
	return e.update(ctx, id, actor, func(rec *domain.Record) error {
		if rec.State != domain.StateReview {
			return &StateError{ID: rec.ID, Op: "make public", State: rec.State}
		}
		if unmet := (Guard{reviewApproved(true), videoID}).Unmet(*rec); len(unmet) > 0 {
			e.audit(rec, domain.AuditGuardRejected, actor, rec.State, domain.StateComplete, "publish refused", unmet...)
			return &TransitionError{ID: rec.ID, From: rec.State, To: domain.StateComplete, Reason: "guard unmet", Unmet: unmet}
		}
		if err := e.Publisher.SetVisibility(ctx, rec.Clone(), domain.VisibilityPublic); err != nil {
			e.audit(rec, domain.AuditCollaboratorFailed, actor, rec.State, "", config.ActionPublishVisibility+": "+err.Error())
			return &CollaboratorError{ID: rec.ID, Action: config.ActionPublishVisibility, Attempt: 1, Max: 1, Err: err}
		}
		rec.Fields.Publish.Visibility = domain.VisibilityPublic
		rec.Fields.Publish.PublicAt = e.stamp()
		rec.Fields.Publish.PublicBy = actor
		e.audit(rec, domain.AuditHumanPublishPublic, actor, rec.State, "", rec.Fields.Publish.URL)
		return e.transition(rec, domain.StateComplete, actor)
	})
}

// OverrideBudget lets spend exceed the configured ceiling, up to ceiling when non-zero.
func (e Engine) OverrideBudget(ctx context.Context, id, actor, reason string, ceiling float64) (domain.Record, error) {
	if actor == "" {
		return domain.Record{}, errors.New("actor is required for a budget override")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Record{}, errors.New("reason is required for a budget override")
	}
	if ceiling < 0 {
		return domain.Record{}, errors.New("override ceiling must not be negative")
	}
	return e.update(ctx, id, actor, func(rec *domain.Record) error {
		if rec.State.Terminal() {
			return &StateError{ID: rec.ID, Op: "override budget", State: rec.State}
		}
		rec.Fields.Budget = &domain.Budget{OverrideBy: actor, OverrideAt: e.stamp(), OverrideReason: reason, OverrideCeiling: ceiling}
		e.audit(rec, domain.AuditHumanBudgetOverride, actor, rec.State, "", fmt.Sprintf("%s (ceiling %.2f)", reason, ceiling))
		return nil
	})
}

// Cancel ends the record. Its fields are kept for inspection.
func (e Engine) Cancel(ctx context.Context, id, actor, reason string) (domain.Record, error) {
	if actor == "" {
		return domain.Record{}, errors.New("actor is required to cancel")
	}
	return e.update(ctx, id, actor, func(rec *domain.Record) error {
		if rec.State.Terminal() {
			return &StateError{ID: rec.ID, Op: "cancel", State: rec.State}
		}
		rec.Fields.Cancel = &domain.Cancel{By: actor, At: e.stamp(), Reason: reason}
		e.audit(rec, domain.AuditHumanCancel, actor, rec.State, "", reason)
		return e.transition(rec, domain.StateCancelled, actor)
	})
}

// Rework sends the record back to the stage that produced a rejected output,
// clearing that stage's fields and everything after it.
func (e Engine) Rework(ctx context.Context, id, actor, reason string) (domain.Record, error) {
	if actor == "" {
		return domain.Record{}, errors.New("actor is required for rework")
	}
	return e.update(ctx, id, actor, func(rec *domain.Record) error {
		if rec.State == domain.StateHalted {
			return &StateError{ID: rec.ID, Op: "rework (use resume)", State: rec.State}
		}
		edge, ok := e.Table.ReworkEdge(rec.State, "")
		if !ok {
			return &StateError{ID: rec.ID, Op: "rework", State: rec.State}
		}
		return e.rework(rec, edge, actor, reason, domain.AuditHumanRework)
	})
}

// Resume restarts a halted job stage. It is refused once the stage reached
// workflow.max_job_restarts.
func (e Engine) Resume(ctx context.Context, id, actor, reason string) (domain.Record, error) {
	if actor == "" {
		return domain.Record{}, errors.New("actor is required to resume")
	}
	return e.update(ctx, id, actor, func(rec *domain.Record) error {
		if rec.State != domain.StateHalted || rec.Fields.Halt == nil {
			return &StateError{ID: rec.ID, Op: "resume", State: rec.State}
		}
		stage := rec.Fields.Halt.Stage
		if n := rec.Restarts[stage]; e.Config != nil && n >= e.Config.Workflow.MaxJobRestarts {
			e.audit(rec, domain.AuditInterventionRequired, actor, rec.State, "", fmt.Sprintf("%s job restart limit reached (%d)", stage, n))
			return &RestartLimitError{ID: rec.ID, Stage: stage, Restarts: n}
		}
		edge, ok := e.Table.ReworkEdge(rec.State, stage)
		if !ok {
			return &StateError{ID: rec.ID, Op: "resume " + stage, State: rec.State}
		}
		if err := e.rework(rec, edge, actor, reason, domain.AuditHumanResume); err != nil {
			return err
		}
		if rec.Restarts == nil {
			rec.Restarts = map[string]int{}
		}
		rec.Restarts[stage]++
		return nil
	})
}

func (e Engine) rework(rec *domain.Record, edge Edge, actor, reason, auditType string) error {
	probe := rec.Clone()
	probe.Fields.Rework = &domain.Rework{By: actor, At: e.stamp(), Reason: reason}
	if unmet := edge.Guard.Unmet(probe); len(unmet) > 0 {
		e.audit(rec, domain.AuditGuardRejected, actor, rec.State, edge.To, "guard unmet", unmet...)
		return &TransitionError{ID: rec.ID, From: rec.State, To: edge.To, Reason: "guard unmet", Unmet: unmet}
	}
	e.audit(rec, auditType, actor, rec.State, edge.To, reason)
	from := rec.State
	rec.Fields.ClearStage(edge.To)
	rec.State = edge.To
	rec.Attempts = nil
	e.audit(rec, domain.AuditTransition, actor, from, edge.To, "")
	return nil
}

// ResetAttempts clears the automatic attempt counter of the current state.
func (e Engine) ResetAttempts(ctx context.Context, id, actor string) (domain.Record, error) {
	if actor == "" {
		return domain.Record{}, errors.New("actor is required to reset attempts")
	}
	return e.update(ctx, id, actor, func(rec *domain.Record) error {
		n := rec.Attempts[rec.State]
		if n == 0 {
			return nil
		}
		delete(rec.Attempts, rec.State)
		e.audit(rec, domain.AuditHumanAttemptsReset, actor, rec.State, "", fmt.Sprintf("cleared %d attempts", n))
		return nil
	})
}
