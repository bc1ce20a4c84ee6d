package domain

import "encoding/json"

type State string

const (
	StateSelected        State = "SELECTED"
	StateResearched      State = "RESEARCHED"
	StateTranslating     State = "TRANSLATING"
	StateValidating      State = "VALIDATING"
	StateGeneratingAudio State = "GENERATING_AUDIO"
	StateAwaitingAudio   State = "AWAITING_AUDIO"
	StateGeneratingVideo State = "GENERATING_VIDEO"
	StateAwaitingVideo   State = "AWAITING_VIDEO"
	StatePackaging       State = "PACKAGING"
	StatePackageCheck    State = "PACKAGE_CHECK"
	StateUploading       State = "UPLOADING"
	StateReview          State = "REVIEW"
	StateHalted          State = "HALTED"
	StateComplete        State = "COMPLETE"
	StateCancelled       State = "CANCELLED"
)

// States lists every declared state in pipeline order.
var States = []State{
	StateSelected,
	StateResearched,
	StateTranslating,
	StateValidating,
	StateGeneratingAudio,
	StateAwaitingAudio,
	StateGeneratingVideo,
	StateAwaitingVideo,
	StatePackaging,
	StatePackageCheck,
	StateUploading,
	StateReview,
	StateHalted,
	StateComplete,
	StateCancelled,
}

func (s State) Valid() bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled
}

// Parking reports whether the state suspends work on an external job.
func (s State) Parking() bool {
	return s == StateAwaitingAudio || s == StateAwaitingVideo
}

const DefaultSlot = "default"

// Record is one unit of work persisted as a YAML document.
type Record struct {
	ID        string        `yaml:"id" json:"id"`
	Slot      string        `yaml:"slot" json:"slot"`
	Seq       int64         `yaml:"seq" json:"seq"`
	State     State         `yaml:"state" json:"state"`
	CreatedAt string        `yaml:"created_at" json:"created_at" format:"date-time"`
	UpdatedAt string        `yaml:"updated_at" json:"updated_at" format:"date-time"`
	Fields    Fields        `yaml:"fields" json:"fields"`
	Attempts  map[State]int `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	Costs     Costs         `yaml:"costs" json:"costs"`
	AuditLog  []AuditEntry  `yaml:"audit_log" json:"audit_log"`

	// Restarts counts human resumes per parked stage. Rework never clears it.
	Restarts map[string]int `yaml:"restarts,omitempty" json:"restarts,omitempty"`
}

// Clone returns a deep copy so collaborators and failed merges never alias the stored record.
func (r Record) Clone() Record {
	b, err := json.Marshal(r)
	if err != nil {
		panic("domain: clone record: " + err.Error())
	}
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		panic("domain: clone record: " + err.Error())
	}
	return out
}

// LastAudit returns the most recent audit entry, if any.
func (r Record) LastAudit() (AuditEntry, bool) {
	if len(r.AuditLog) == 0 {
		return AuditEntry{}, false
	}
	return r.AuditLog[len(r.AuditLog)-1], true
}

type Fields struct {
	Source      *Source      `yaml:"source,omitempty" json:"source,omitempty"`
	Research    *Research    `yaml:"research,omitempty" json:"research,omitempty"`
	Translation *Translation `yaml:"translation,omitempty" json:"translation,omitempty"`
	Audio       *Media       `yaml:"audio,omitempty" json:"audio,omitempty"`
	Video       *Media       `yaml:"video,omitempty" json:"video,omitempty"`
	Package     *Package     `yaml:"package,omitempty" json:"package,omitempty"`
	Publish     *Publish     `yaml:"publish,omitempty" json:"publish,omitempty"`
	Review      *Review      `yaml:"review,omitempty" json:"review,omitempty"`
	Budget      *Budget      `yaml:"budget,omitempty" json:"budget,omitempty"`
	Cancel      *Cancel      `yaml:"cancel,omitempty" json:"cancel,omitempty"`
	Halt        *Halt        `yaml:"halt,omitempty" json:"halt,omitempty"`
	Rework      *Rework      `yaml:"rework,omitempty" json:"rework,omitempty"`
}

type Source struct {
	Title    string `yaml:"title" json:"title"`
	Author   string `yaml:"author,omitempty" json:"author,omitempty"`
	Language string `yaml:"language,omitempty" json:"language,omitempty"`
	Path     string `yaml:"path" json:"path"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
}

type Research struct {
	OutputPath string      `yaml:"output_path,omitempty" json:"output_path,omitempty"`
	Validation *GateResult `yaml:"validation,omitempty" json:"validation,omitempty"`
}

type Translation struct {
	OutputPath    string      `yaml:"output_path,omitempty" json:"output_path,omitempty"`
	LastChunkPath string      `yaml:"last_chunk_path,omitempty" json:"last_chunk_path,omitempty"`
	Validation    *GateResult `yaml:"validation,omitempty" json:"validation,omitempty"`
}

// Media holds the output of a parked generation stage (audio or video).
type Media struct {
	Job        *Job   `yaml:"job,omitempty" json:"job,omitempty"`
	OutputPath string `yaml:"output_path,omitempty" json:"output_path,omitempty"`
	SizeBytes  int64  `yaml:"size_bytes,omitempty" json:"size_bytes,omitempty"`
}

// Job is the start metadata of an operation that outlives one invocation.
type Job struct {
	Handle            string `yaml:"handle" json:"handle"`
	ArtifactPath      string `yaml:"artifact_path" json:"artifact_path"`
	FailureMarkerPath string `yaml:"failure_marker_path,omitempty" json:"failure_marker_path,omitempty"`
	StartedAt         string `yaml:"started_at" json:"started_at" format:"date-time"`
	DeadlineAt        string `yaml:"deadline_at,omitempty" json:"deadline_at,omitempty" format:"date-time"`
}

type Package struct {
	DescriptionPath string      `yaml:"description_path,omitempty" json:"description_path,omitempty"`
	Validation      *GateResult `yaml:"validation,omitempty" json:"validation,omitempty"`
}

const (
	VisibilityPrivate  = "private"
	VisibilityUnlisted = "unlisted"
	VisibilityPublic   = "public"
)

type Publish struct {
	VideoID    string `yaml:"video_id,omitempty" json:"video_id,omitempty"`
	URL        string `yaml:"url,omitempty" json:"url,omitempty"`
	Visibility string `yaml:"visibility,omitempty" json:"visibility,omitempty" enum:"private,unlisted,public"`
	PublicAt   string `yaml:"public_at,omitempty" json:"public_at,omitempty"`
	PublicBy   string `yaml:"public_by,omitempty" json:"public_by,omitempty"`
}

type Review struct {
	Approved *bool  `yaml:"approved,omitempty" json:"approved,omitempty"`
	By       string `yaml:"by,omitempty" json:"by,omitempty"`
	At       string `yaml:"at,omitempty" json:"at,omitempty"`
	Note     string `yaml:"note,omitempty" json:"note,omitempty"`
}

type Budget struct {
	OverrideBy      string  `yaml:"override_by,omitempty" json:"override_by,omitempty"`
	OverrideAt      string  `yaml:"override_at,omitempty" json:"override_at,omitempty"`
	OverrideReason  string  `yaml:"override_reason,omitempty" json:"override_reason,omitempty"`
	OverrideCeiling float64 `yaml:"override_ceiling,omitempty" json:"override_ceiling,omitempty"`
}

type Cancel struct {
	By     string `yaml:"by" json:"by"`
	At     string `yaml:"at" json:"at"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

const (
	StageAudio = "audio"
	StageVideo = "video"
)

// Halt is the recorded-error condition left by a failed parked job.
type Halt struct {
	Stage  string `yaml:"stage" json:"stage" enum:"audio,video"`
	Kind   string `yaml:"kind" json:"kind"`
	Reason string `yaml:"reason" json:"reason"`
	At     string `yaml:"at" json:"at"`
}

type Rework struct {
	By     string `yaml:"by" json:"by"`
	At     string `yaml:"at" json:"at"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// GateResult is the persisted verdict of a gate. Only the gate writer sets it.
type GateResult struct {
	Gate        string   `yaml:"gate" json:"gate"`
	Passed      bool     `yaml:"passed" json:"passed"`
	Diagnostics []string `yaml:"diagnostics,omitempty" json:"diagnostics,omitempty"`
	EvaluatedAt string   `yaml:"evaluated_at" json:"evaluated_at" format:"date-time"`
}

type AuditEntry struct {
	ID          string   `yaml:"id" json:"id"`
	At          string   `yaml:"at" json:"at" format:"date-time"`
	Type        string   `yaml:"type" json:"type"`
	From        State    `yaml:"from,omitempty" json:"from,omitempty"`
	To          State    `yaml:"to,omitempty" json:"to,omitempty"`
	Actor       string   `yaml:"actor" json:"actor"`
	Detail      string   `yaml:"detail,omitempty" json:"detail,omitempty"`
	Diagnostics []string `yaml:"diagnostics,omitempty" json:"diagnostics,omitempty"`
}

// Audit entry types.
const (
	AuditProjectCreated        = "project.created"
	AuditTransition            = "transition"
	AuditGuardRejected         = "guard.rejected"
	AuditTransitionRefused     = "transition.refused"
	AuditGateEvaluated         = "gate.evaluated"
	AuditCollaboratorCompleted = "collaborator.completed"
	AuditCollaboratorFailed    = "collaborator.failed"
	AuditInterventionRequired  = "intervention.required"
	AuditJobStarted            = "job.started"
	AuditJobPending            = "job.pending"
	AuditJobCompleted          = "job.completed"
	AuditJobFailed             = "job.failed"
	AuditArtifactRendered      = "artifact.rendered"
	AuditStructuralFailure     = "structural.failure"
	AuditHumanReviewApproved   = "human.review.approved"
	AuditHumanReviewRejected   = "human.review.rejected"
	AuditHumanPublishPublic    = "human.publish.public"
	AuditHumanBudgetOverride   = "human.budget.override"
	AuditHumanCancel           = "human.cancel"
	AuditHumanRework           = "human.rework"
	AuditHumanResume           = "human.resume"
	AuditHumanAttemptsReset    = "human.attempts.reset"
	AuditLockBroken            = "store.lock.broken"
)
