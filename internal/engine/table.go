package engine

import (
	"fmt"

	"folioline/internal/domain"
	"folioline/internal/gate"
)

type Trigger string

const (
	// TriggerAuto edges may be taken by the step driver.
	TriggerAuto Trigger = "auto"
	// TriggerHuman edges are only taken by an explicit human operation.
	TriggerHuman Trigger = "human"
)

// Requirement is one named precondition. Check returns "" when it holds and a
// precise message naming the field otherwise.
type Requirement struct {
	Name  string
	Check func(rec domain.Record) string
}

// Guard is an ordered list of requirements. Every requirement is evaluated so
// a rejection lists all of them.
type Guard []Requirement

func (g Guard) Unmet(rec domain.Record) []string {
	var out []string
	for _, r := range g {
		if msg := r.Check(rec); msg != "" {
			out = append(out, msg)
		}
	}
	return out
}

type Edge struct {
	From    domain.State
	To      domain.State
	Trigger Trigger
	Guard   Guard
	// Rework edges go back to an earlier stage and clear the fields it produces.
	Rework bool
}

func (e Edge) String() string {
	return fmt.Sprintf("%s -> %s (%s)", e.From, e.To, e.Trigger)
}

// Table is the static set of declared edges.
type Table struct {
	edges []Edge
}

// NewTable declares every edge. The budget gate feeds the budget requirement.
func NewTable(budget gate.Budget) *Table {
	within := withinBudget(budget)
	t := &Table{}
	add := func(from, to domain.State, trig Trigger, reqs ...Requirement) {
		t.edges = append(t.edges, Edge{From: from, To: to, Trigger: trig, Guard: Guard(reqs)})
	}
	rework := func(from, to domain.State, reqs ...Requirement) {
		t.edges = append(t.edges, Edge{From: from, To: to, Trigger: TriggerHuman, Guard: Guard(append(reqs, reworkRequested)), Rework: true})
	}

	add(domain.StateSelected, domain.StateResearched, TriggerAuto, researchOutput, within)
	add(domain.StateResearched, domain.StateTranslating, TriggerAuto, validation("research", researchGate, true))
	rework(domain.StateResearched, domain.StateSelected, validation("research", researchGate, false))
	add(domain.StateTranslating, domain.StateValidating, TriggerAuto, translationOutput, translationLastChunk)
	add(domain.StateValidating, domain.StateGeneratingAudio, TriggerAuto, validation("translation", translationGate, true), within)
	rework(domain.StateValidating, domain.StateTranslating, validation("translation", translationGate, false))
	add(domain.StateGeneratingAudio, domain.StateAwaitingAudio, TriggerAuto, jobStarted(domain.StageAudio))
	add(domain.StateAwaitingAudio, domain.StateGeneratingVideo, TriggerAuto, mediaOutput(domain.StageAudio), within)
	add(domain.StateAwaitingAudio, domain.StateHalted, TriggerAuto, haltStage(domain.StageAudio))
	add(domain.StateGeneratingVideo, domain.StateAwaitingVideo, TriggerAuto, jobStarted(domain.StageVideo))
	add(domain.StateAwaitingVideo, domain.StatePackaging, TriggerAuto, mediaOutput(domain.StageVideo))
	add(domain.StateAwaitingVideo, domain.StateHalted, TriggerAuto, haltStage(domain.StageVideo))
	add(domain.StatePackaging, domain.StatePackageCheck, TriggerAuto, packageDescription)
	add(domain.StatePackageCheck, domain.StateUploading, TriggerAuto, validation("package", packageGate, true))
	rework(domain.StatePackageCheck, domain.StatePackaging, validation("package", packageGate, false))
	add(domain.StateUploading, domain.StateReview, TriggerAuto, videoID, notPublic)
	add(domain.StateReview, domain.StateComplete, TriggerHuman, reviewApproved(true), visibilityPublic, publicBy)
	rework(domain.StateReview, domain.StatePackaging, reviewApproved(false))
	t.edges = append(t.edges,
		Edge{From: domain.StateHalted, To: domain.StateGeneratingAudio, Trigger: TriggerHuman, Guard: Guard{haltStage(domain.StageAudio), reworkRequested}, Rework: true},
		Edge{From: domain.StateHalted, To: domain.StateGeneratingVideo, Trigger: TriggerHuman, Guard: Guard{haltStage(domain.StageVideo), reworkRequested}, Rework: true},
	)
	for _, s := range domain.States {
		if !s.Terminal() {
			add(s, domain.StateCancelled, TriggerHuman, cancelRequested)
		}
	}
	return t
}

// Edges returns a copy of every declared edge.
func (t *Table) Edges() []Edge {
	return append([]Edge(nil), t.edges...)
}

func (t *Table) Edge(from, to domain.State) (Edge, bool) {
	for _, e := range t.edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// From returns the edges leaving s with the given trigger, in declaration order.
func (t *Table) From(s domain.State, trig Trigger) []Edge {
	var out []Edge
	for _, e := range t.edges {
		if e.From == s && e.Trigger == trig {
			out = append(out, e)
		}
	}
	return out
}

// ReworkEdge returns the rework or resume edge leaving s. HALTED has one per
// stage; stage picks between them.
func (t *Table) ReworkEdge(s domain.State, stage string) (Edge, bool) {
	for _, e := range t.edges {
		if e.From != s || !e.Rework {
			continue
		}
		if s == domain.StateHalted && stageOf(e.To) != stage {
			continue
		}
		return e, true
	}
	return Edge{}, false
}

func stageOf(s domain.State) string {
	switch s {
	case domain.StateGeneratingAudio, domain.StateAwaitingAudio:
		return domain.StageAudio
	case domain.StateGeneratingVideo, domain.StateAwaitingVideo:
		return domain.StageVideo
	}
	return ""
}

func researchGate(rec domain.Record) *domain.GateResult {
	if rec.Fields.Research == nil {
		return nil
	}
	return rec.Fields.Research.Validation
}

func translationGate(rec domain.Record) *domain.GateResult {
	if rec.Fields.Translation == nil {
		return nil
	}
	return rec.Fields.Translation.Validation
}

func packageGate(rec domain.Record) *domain.GateResult {
	if rec.Fields.Package == nil {
		return nil
	}
	return rec.Fields.Package.Validation
}

func validation(section string, get func(domain.Record) *domain.GateResult, want bool) Requirement {
	name := section + ".validation.passed"
	return Requirement{Name: name, Check: func(rec domain.Record) string {
		v := get(rec)
		if v == nil {
			return name + " is unset"
		}
		if v.Passed != want {
			return fmt.Sprintf("%s is %t", name, v.Passed)
		}
		return ""
	}}
}

func set(name string, get func(domain.Record) string) Requirement {
	return Requirement{Name: name, Check: func(rec domain.Record) string {
		if get(rec) == "" {
			return name + " is unset"
		}
		return ""
	}}
}

var (
	researchOutput = set("research.output_path", func(r domain.Record) string {
		if r.Fields.Research == nil {
			return ""
		}
		return r.Fields.Research.OutputPath
	})
	translationOutput = set("translation.output_path", func(r domain.Record) string {
		if r.Fields.Translation == nil {
			return ""
		}
		return r.Fields.Translation.OutputPath
	})
	translationLastChunk = set("translation.last_chunk_path", func(r domain.Record) string {
		if r.Fields.Translation == nil {
			return ""
		}
		return r.Fields.Translation.LastChunkPath
	})
	packageDescription = set("package.description_path", func(r domain.Record) string {
		if r.Fields.Package == nil {
			return ""
		}
		return r.Fields.Package.DescriptionPath
	})
	videoID = set("publish.video_id", func(r domain.Record) string {
		if r.Fields.Publish == nil {
			return ""
		}
		return r.Fields.Publish.VideoID
	})
	publicBy = set("publish.public_by", func(r domain.Record) string {
		if r.Fields.Publish == nil {
			return ""
		}
		return r.Fields.Publish.PublicBy
	})
	reworkRequested = set("rework", func(r domain.Record) string {
		if r.Fields.Rework == nil {
			return ""
		}
		return r.Fields.Rework.By
	})
	cancelRequested = set("cancel.by", func(r domain.Record) string {
		if r.Fields.Cancel == nil {
			return ""
		}
		return r.Fields.Cancel.By
	})
)

func media(rec domain.Record, stage string) *domain.Media {
	if stage == domain.StageAudio {
		return rec.Fields.Audio
	}
	return rec.Fields.Video
}

func jobStarted(stage string) Requirement {
	return set(stage+".job.started_at", func(r domain.Record) string {
		m := media(r, stage)
		if m == nil || m.Job == nil {
			return ""
		}
		return m.Job.StartedAt
	})
}

func mediaOutput(stage string) Requirement {
	return set(stage+".output_path", func(r domain.Record) string {
		if m := media(r, stage); m != nil {
			return m.OutputPath
		}
		return ""
	})
}

func haltStage(stage string) Requirement {
	return Requirement{Name: "halt.stage", Check: func(rec domain.Record) string {
		h := rec.Fields.Halt
		if h == nil || h.Stage == "" {
			return "halt.stage is unset"
		}
		if h.Stage != stage {
			return fmt.Sprintf("halt.stage is %s, not %s", h.Stage, stage)
		}
		return ""
	}}
}

var notPublic = Requirement{Name: "publish.visibility", Check: func(rec domain.Record) string {
	if p := rec.Fields.Publish; p != nil && p.Visibility == domain.VisibilityPublic {
		return "publish.visibility is public; only a human may publish"
	}
	return ""
}}

var visibilityPublic = Requirement{Name: "publish.visibility", Check: func(rec domain.Record) string {
	p := rec.Fields.Publish
	if p == nil || p.Visibility == "" {
		return "publish.visibility is unset"
	}
	if p.Visibility != domain.VisibilityPublic {
		return fmt.Sprintf("publish.visibility is %s, not public", p.Visibility)
	}
	return ""
}}

func reviewApproved(want bool) Requirement {
	return Requirement{Name: "review.approved", Check: func(rec domain.Record) string {
		r := rec.Fields.Review
		if r == nil || r.Approved == nil {
			return "review.approved is unset"
		}
		if *r.Approved != want {
			return fmt.Sprintf("review.approved is %t", *r.Approved)
		}
		return ""
	}}
}

func withinBudget(b gate.Budget) Requirement {
	return Requirement{Name: "budget", Check: func(rec domain.Record) string {
		v := b.Evaluate(gate.Inputs{Costs: rec.Costs, Budget: rec.Fields.Budget})
		if v.Passed {
			return ""
		}
		return v.Diagnostics[0]
	}}
}
