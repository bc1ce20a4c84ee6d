package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"folioline/internal/collab"
	"folioline/internal/config"
	"folioline/internal/domain"
	"folioline/internal/gate"
	"folioline/internal/parking"
	"folioline/internal/tmpl"
)

type Outcome string

const (
	OutcomeAdvanced      Outcome = "advanced"
	OutcomeParked        Outcome = "parked"
	OutcomeHalted        Outcome = "halted"
	OutcomeAwaitingHuman Outcome = "awaiting_human"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeTerminal      Outcome = "terminal"
	OutcomeIdle          Outcome = "idle"
)

// StepOutcome reports what one step did. Record is the state after the step.
type StepOutcome struct {
	Outcome Outcome       `json:"outcome"`
	ID      string        `json:"id,omitempty"`
	Action  string        `json:"action,omitempty"`
	From    domain.State  `json:"from,omitempty"`
	To      domain.State  `json:"to,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Record  domain.Record `json:"record"`
}

// DriverActor is the audit actor of automatic steps.
const DriverActor = "folioline-driver"

// Runner performs one invocation cycle per call. It never loops.
type Runner struct {
	Engine Engine
	Actor  string
}

func (r Runner) actor() string {
	if r.Actor == "" {
		return DriverActor
	}
	return r.Actor
}

type actionKind int

const (
	kindCollaborator actionKind = iota
	kindRender
	kindGate
	kindProbe
	kindHuman
	kindTerminal
)

// stateAction is the single action each state runs.
func stateAction(s domain.State) (actionKind, string) {
	switch s {
	case domain.StateSelected:
		return kindCollaborator, config.ActionResearch
	case domain.StateTranslating:
		return kindCollaborator, config.ActionTranslate
	case domain.StateGeneratingAudio:
		return kindCollaborator, config.ActionAudio
	case domain.StateGeneratingVideo:
		return kindCollaborator, config.ActionVideo
	case domain.StateUploading:
		return kindCollaborator, config.ActionUpload
	case domain.StatePackaging:
		return kindRender, "render"
	case domain.StateResearched, domain.StateValidating, domain.StatePackageCheck:
		f, _ := gateField(s)
		return kindGate, f
	case domain.StateAwaitingAudio:
		return kindProbe, domain.StageAudio
	case domain.StateAwaitingVideo:
		return kindProbe, domain.StageVideo
	case domain.StateReview, domain.StateHalted:
		return kindHuman, ""
	}
	return kindTerminal, ""
}

// actionDone reports whether the outputs of a collaborator action are already
// on the record, as after a crash between merge and transition.
func actionDone(action string, rec domain.Record) bool {
	f := rec.Fields
	switch action {
	case config.ActionResearch:
		return f.Research != nil && f.Research.OutputPath != ""
	case config.ActionTranslate:
		return f.Translation != nil && f.Translation.OutputPath != "" && f.Translation.LastChunkPath != ""
	case config.ActionAudio:
		return f.Audio != nil && f.Audio.Job != nil
	case config.ActionVideo:
		return f.Video != nil && f.Video.Job != nil
	case config.ActionUpload:
		return f.Publish != nil && f.Publish.VideoID != ""
	}
	return false
}

// Next steps the active record of slot. With no active record it reports idle.
func (r Runner) Next(ctx context.Context, slot string) (StepOutcome, error) {
	rec, err := r.Engine.ListActive(ctx, slot)
	if err != nil {
		return StepOutcome{}, err
	}
	if rec == nil {
		return StepOutcome{Outcome: OutcomeIdle}, nil
	}
	return r.Step(ctx, rec.ID)
}

// Step runs the action of the record's current state once.
func (r Runner) Step(ctx context.Context, id string) (StepOutcome, error) {
	e := r.Engine
	actor := r.actor()
	var out StepOutcome
	rec, err := e.update(ctx, id, actor, func(rec *domain.Record) error {
		kind, action := stateAction(rec.State)
		out = StepOutcome{ID: rec.ID, Action: action, From: rec.State}
		var err error
		switch kind {
		case kindTerminal:
			out.Outcome = OutcomeTerminal
		case kindHuman:
			out.Outcome = OutcomeAwaitingHuman
			out.Detail = humanDetail(*rec)
		case kindCollaborator:
			err = r.collaborate(ctx, rec, action, &out)
		case kindRender:
			err = r.render(rec, &out)
		case kindGate:
			err = r.gate(rec, action, &out)
		case kindProbe:
			err = r.probe(ctx, rec, action, &out)
		}
		return err
	})
	if rec.ID != "" {
		out.Record = rec
		out.To = rec.State
	}
	if err != nil && out.Outcome == "" {
		out.Outcome = OutcomeBlocked
	}
	return out, err
}

func humanDetail(rec domain.Record) string {
	if rec.State == domain.StateHalted && rec.Fields.Halt != nil {
		return fmt.Sprintf("%s job halted: %s", rec.Fields.Halt.Stage, rec.Fields.Halt.Reason)
	}
	if rec.Fields.Review != nil && rec.Fields.Review.Approved != nil {
		if *rec.Fields.Review.Approved {
			return "review approved; waiting for a human to publish"
		}
		return "review rejected; waiting for rework"
	}
	return "waiting for review"
}

// advance takes the first auto edge whose guard holds. When none holds it
// reports the first edge's unmet requirements.
func (r Runner) advance(rec *domain.Record, out *StepOutcome) error {
	edges := r.Engine.Table.From(rec.State, TriggerAuto)
	if len(edges) == 0 {
		return &StateError{ID: rec.ID, Op: "advance", State: rec.State}
	}
	target := edges[0].To
	for _, edge := range edges {
		if len(edge.Guard.Unmet(*rec)) == 0 {
			target = edge.To
			break
		}
	}
	if err := r.Engine.transition(rec, target, r.actor()); err != nil {
		out.Outcome = OutcomeBlocked
		return err
	}
	out.Outcome = OutcomeAdvanced
	return nil
}

func (r Runner) collaborate(ctx context.Context, rec *domain.Record, action string, out *StepOutcome) error {
	e := r.Engine
	if actionDone(action, *rec) {
		return r.advance(rec, out)
	}
	if n := rec.Attempts[rec.State]; n >= e.maxAttempts() {
		out.Outcome = OutcomeBlocked
		out.Detail = fmt.Sprintf("%d failed attempts in %s", n, rec.State)
		return ErrInterventionRequired
	}
	c, ok := e.Collaborators[action]
	if !ok || c == nil {
		out.Outcome = OutcomeBlocked
		return fmt.Errorf("%w: %s", ErrNoCollaborator, action)
	}
	res, err := c.Invoke(ctx, collab.Request{Action: action, Record: rec.Clone(), Workspace: e.Workspace})
	if err == nil {
		err = e.applyResult(rec, action, res, r.actor())
	}
	if err != nil {
		n := e.recordFailure(rec, action, err.Error(), r.actor())
		out.Outcome = OutcomeBlocked
		return &CollaboratorError{ID: rec.ID, Action: action, Attempt: n, Max: e.maxAttempts(), Err: err}
	}
	return r.advance(rec, out)
}

// resolve makes a record path absolute against the workspace.
func (e Engine) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.Workspace, path)
}

// readInput reads a gate input. A read error becomes a failed verdict.
func (e Engine) readInput(label, path string) (string, *gate.Verdict) {
	if path == "" {
		v := gate.Fail(label + " path is unset")
		return "", &v
	}
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		v := gate.Fail(fmt.Sprintf("cannot read %s %s: %v", label, path, err))
		return "", &v
	}
	return string(data), nil
}

// GateInputs loads the texts a gate reads for field.
func (e Engine) GateInputs(rec domain.Record, field string) (gate.Inputs, *gate.Verdict) {
	in := gate.Inputs{Costs: rec.Costs, Budget: rec.Fields.Budget}
	srcPath := ""
	if rec.Fields.Source != nil {
		srcPath = rec.Fields.Source.Path
	}
	var outPath, outLabel string
	switch field {
	case FieldResearchValidation:
		outLabel = "research output"
		if rec.Fields.Research != nil {
			outPath = rec.Fields.Research.OutputPath
		}
	case FieldTranslationValidation:
		outLabel = "translation last chunk"
		if rec.Fields.Translation != nil {
			outPath = rec.Fields.Translation.LastChunkPath
		}
	case FieldPackageValidation:
		outLabel = "package description"
		if rec.Fields.Package != nil {
			outPath = rec.Fields.Package.DescriptionPath
		}
	}
	if field != FieldPackageValidation {
		src, fail := e.readInput("source", srcPath)
		if fail != nil {
			return in, fail
		}
		in.Source = src
	}
	output, fail := e.readInput(outLabel, outPath)
	if fail != nil {
		return in, fail
	}
	in.Output = output
	return in, nil
}

func (r Runner) gate(rec *domain.Record, field string, out *StepOutcome) error {
	e := r.Engine
	g, err := e.Gates.For(field)
	if err != nil {
		return err
	}
	if v := verdictOf(*rec, field); v != nil {
		if v.Passed {
			return r.advance(rec, out)
		}
		out.Outcome = OutcomeBlocked
		return &GateError{ID: rec.ID, Gate: v.Gate, Verdict: gate.Verdict{Passed: false, Diagnostics: v.Diagnostics}}
	}
	verdict, err := e.runGate(rec, field, r.actor())
	if err != nil {
		return err
	}
	if !verdict.Passed {
		out.Outcome = OutcomeBlocked
		return &GateError{ID: rec.ID, Gate: g.Name(), Verdict: verdict}
	}
	return r.advance(rec, out)
}

// DescriptionValues collects the template values available on rec. Unset
// values are left out so the template reports them as missing.
func DescriptionValues(rec domain.Record) map[string]string {
	v := map[string]string{"id": rec.ID}
	put := func(k, val string) {
		if val != "" {
			v[k] = val
		}
	}
	f := rec.Fields
	if s := f.Source; s != nil {
		put("title", s.Title)
		put("author", s.Author)
		put("language", s.Language)
		put("source_url", s.URL)
		put("source_path", s.Path)
	}
	if f.Research != nil {
		put("research_path", f.Research.OutputPath)
	}
	if f.Translation != nil {
		put("translation_path", f.Translation.OutputPath)
	}
	if f.Audio != nil {
		put("audio_path", f.Audio.OutputPath)
		if f.Audio.SizeBytes > 0 {
			put("audio_size", strconv.FormatInt(f.Audio.SizeBytes, 10))
		}
	}
	if f.Video != nil {
		put("video_path", f.Video.OutputPath)
		if f.Video.SizeBytes > 0 {
			put("video_size", strconv.FormatInt(f.Video.SizeBytes, 10))
		}
	}
	return v
}

// Describe renders the packaging template for rec without writing anything.
func (e Engine) Describe(rec domain.Record) (string, error) {
	if e.Config == nil {
		return "", errors.New("config not loaded")
	}
	src, err := e.Config.PackagingTemplate(e.Workspace)
	if err != nil {
		return "", err
	}
	return tmpl.Render(src, DescriptionValues(rec))
}

func (e Engine) descriptionPath(id string) string {
	dir := ".folioline/artifacts"
	if e.Config != nil && e.Config.Packaging.OutputDir != "" {
		dir = e.Config.Packaging.OutputDir
	}
	return filepath.Join(dir, id, "description.txt")
}

func (r Runner) render(rec *domain.Record, out *StepOutcome) error {
	e := r.Engine
	if rec.Fields.Package != nil && rec.Fields.Package.DescriptionPath != "" {
		return r.advance(rec, out)
	}
	text, err := e.Describe(*rec)
	if err != nil {
		var missing *tmpl.MissingValuesError
		var syntax *tmpl.SyntaxError
		if errors.As(err, &missing) || errors.As(err, &syntax) {
			e.audit(rec, domain.AuditStructuralFailure, r.actor(), rec.State, "", "render description: "+err.Error())
		}
		out.Outcome = OutcomeBlocked
		return err
	}
	rel := e.descriptionPath(rec.ID)
	if err := writeFileAtomic(e.resolve(rel), []byte(text)); err != nil {
		out.Outcome = OutcomeBlocked
		return fmt.Errorf("write description: %w", err)
	}
	if err := rec.Fields.Apply(domain.Fields{Package: &domain.Package{DescriptionPath: rel}}, domain.SectionPackage); err != nil {
		out.Outcome = OutcomeBlocked
		return err
	}
	e.audit(rec, domain.AuditArtifactRendered, r.actor(), rec.State, "", rel)
	return r.advance(rec, out)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (r Runner) probe(ctx context.Context, rec *domain.Record, stage string, out *StepOutcome) error {
	e := r.Engine
	m := media(*rec, stage)
	if (m != nil && m.OutputPath != "") || (rec.Fields.Halt != nil && rec.Fields.Halt.Stage == stage) {
		return r.advance(rec, out)
	}
	if m == nil || m.Job == nil {
		out.Outcome = OutcomeBlocked
		return fmt.Errorf("%s: %s job not started", rec.ID, stage)
	}
	p, err := e.tracker().Probe(ctx, e.resolveJob(*m.Job))
	if err != nil {
		out.Outcome = OutcomeBlocked
		return err
	}
	out.Detail = p.Detail
	switch p.Status {
	case parking.StatusPending:
		e.audit(rec, domain.AuditJobPending, r.actor(), rec.State, "", p.Detail)
		out.Outcome = OutcomeParked
		return nil
	case parking.StatusComplete:
		settled, err := e.tracker().Settle(*rec, stage, p)
		if err != nil {
			return err
		}
		*rec = settled
		e.audit(rec, domain.AuditJobCompleted, r.actor(), rec.State, "", p.Detail)
		return r.advance(rec, out)
	}
	settled, err := e.tracker().Settle(*rec, stage, p)
	if err != nil {
		return err
	}
	*rec = settled
	e.audit(rec, domain.AuditJobFailed, r.actor(), rec.State, "", p.Detail)
	if err := e.transition(rec, domain.StateHalted, r.actor()); err != nil {
		out.Outcome = OutcomeBlocked
		return err
	}
	out.Outcome = OutcomeHalted
	return &JobError{ID: rec.ID, Stage: stage, Detail: p.Detail}
}

// ProbeJob samples the parked job of a record without changing it.
func (e Engine) ProbeJob(ctx context.Context, id string) (parking.Probe, error) {
	rec, err := e.Store.Load(ctx, id)
	if err != nil {
		return parking.Probe{}, err
	}
	kind, stage := stateAction(rec.State)
	if kind != kindProbe {
		return parking.Probe{}, &StateError{ID: id, Op: "probe job", State: rec.State}
	}
	m := media(rec, stage)
	if m == nil || m.Job == nil {
		return parking.Probe{}, fmt.Errorf("%s: %s job not started", id, stage)
	}
	return e.tracker().Probe(ctx, e.resolveJob(*m.Job))
}

func (e Engine) resolveJob(j domain.Job) domain.Job {
	j.ArtifactPath = e.resolve(j.ArtifactPath)
	j.FailureMarkerPath = e.resolve(j.FailureMarkerPath)
	return j
}
