package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "folioline.yml"

const (
	// DefaultCollaboratorTimeout bounds a collaborator command without its own timeout.
	DefaultCollaboratorTimeout = 30 * time.Minute
	// DefaultStaleLockAfter is the age after which an unrefreshed record lock is broken.
	DefaultStaleLockAfter = 45 * time.Minute
)

// Collaborator actions. Each maps to the record section it may write.
const (
	ActionResearch          = "research"
	ActionTranslate         = "translate"
	ActionAudio             = "audio"
	ActionVideo             = "video"
	ActionUpload            = "upload"
	ActionPublishVisibility = "publish_visibility"
)

// Actions lists every collaborator action the workflow invokes.
var Actions = []string{ActionResearch, ActionTranslate, ActionAudio, ActionVideo, ActionUpload, ActionPublishVisibility}

// Config models folioline.yml.
type Config struct {
	Workflow struct {
		Slot           string `yaml:"slot"`
		MaxAttempts    int    `yaml:"max_attempts"`
		MaxJobRestarts int    `yaml:"max_job_restarts"`
	} `yaml:"workflow"`
	Gates struct {
		Coverage   CoverageConfig   `yaml:"coverage"`
		Provenance ProvenanceConfig `yaml:"provenance"`
		Budget     BudgetConfig     `yaml:"budget"`
	} `yaml:"gates"`
	Parking       ParkingConfig                 `yaml:"parking"`
	Packaging     PackagingConfig               `yaml:"packaging"`
	Collaborators map[string]CollaboratorConfig `yaml:"collaborators"`
	RBAC          struct {
		Roles  map[string]RBACRole `yaml:"roles"`
		Actors map[string][]string `yaml:"actors"`
	} `yaml:"rbac"`
	Store struct {
		StaleLockAfter time.Duration `yaml:"stale_lock_after"`
	} `yaml:"store"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type CoverageConfig struct {
	TailChars         int            `yaml:"tail_chars"`
	FallbackTailChars int            `yaml:"fallback_tail_chars"`
	ToleranceChars    int            `yaml:"tolerance_chars"`
	TolerancePercent  float64        `yaml:"tolerance_percent"`
	IncompleteEndings []EndingConfig `yaml:"incomplete_endings"`
	ClosingMarkers    []string       `yaml:"closing_markers"`
}

type EndingConfig struct {
	Pattern string `yaml:"pattern"`
	Message string `yaml:"message"`
}

type ProvenanceConfig struct {
	MinCitationRatio float64  `yaml:"min_citation_ratio"`
	MinPhraseWords   int      `yaml:"min_phrase_words"`
	MaxPhraseSamples int      `yaml:"max_phrase_samples"`
	MaxFillerMatches int      `yaml:"max_filler_matches"`
	CitationPatterns []string `yaml:"citation_patterns"`
	FillerPatterns   []string `yaml:"filler_patterns"`
	GenericPhrases   []string `yaml:"generic_phrases"`
	Stopwords        []string `yaml:"stopwords"`
}

type BudgetConfig struct {
	Ceiling  float64 `yaml:"ceiling"`
	Currency string  `yaml:"currency"`
}

type ParkingConfig struct {
	SettleInterval time.Duration `yaml:"settle_interval"`
	AudioDeadline  time.Duration `yaml:"audio_deadline"`
	VideoDeadline  time.Duration `yaml:"video_deadline"`
}

type PackagingConfig struct {
	Template          string   `yaml:"template"`
	TemplatePath      string   `yaml:"template_path"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
	OutputDir         string   `yaml:"output_dir"`
}

// CollaboratorConfig describes an external command. The record is written to
// its stdin as JSON and a result document is read from stdout.
type CollaboratorConfig struct {
	Command []string          `yaml:"command"`
	Timeout time.Duration     `yaml:"timeout"`
	Env     map[string]string `yaml:"env"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workflow.Slot) == "" {
		return fmt.Errorf("config.workflow.slot is required")
	}
	if c.Workflow.MaxAttempts < 1 {
		return fmt.Errorf("config.workflow.max_attempts must be at least 1")
	}
	if c.Workflow.MaxJobRestarts < 0 {
		return fmt.Errorf("config.workflow.max_job_restarts must not be negative")
	}
	cov := c.Gates.Coverage
	if cov.TailChars < 0 || cov.FallbackTailChars < 0 || cov.ToleranceChars < 0 {
		return fmt.Errorf("config.gates.coverage character counts must not be negative")
	}
	if cov.TolerancePercent < 0 || cov.TolerancePercent > 100 {
		return fmt.Errorf("config.gates.coverage.tolerance_percent must be within 0-100")
	}
	for i, e := range cov.IncompleteEndings {
		if err := compile(fmt.Sprintf("config.gates.coverage.incomplete_endings[%d]", i), e.Pattern); err != nil {
			return err
		}
	}
	for i, m := range cov.ClosingMarkers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("config.gates.coverage.closing_markers[%d] is empty", i)
		}
	}
	prov := c.Gates.Provenance
	if prov.MinCitationRatio < 0 || prov.MinCitationRatio > 1 {
		return fmt.Errorf("config.gates.provenance.min_citation_ratio must be within 0-1")
	}
	for _, group := range []struct {
		name     string
		patterns []string
	}{
		{"citation_patterns", prov.CitationPatterns},
		{"filler_patterns", prov.FillerPatterns},
	} {
		for i, p := range group.patterns {
			if err := compile(fmt.Sprintf("config.gates.provenance.%s[%d]", group.name, i), p); err != nil {
				return err
			}
		}
	}
	if c.Gates.Budget.Ceiling < 0 {
		return fmt.Errorf("config.gates.budget.ceiling must not be negative")
	}
	if c.Parking.SettleInterval < 0 || c.Parking.AudioDeadline < 0 || c.Parking.VideoDeadline < 0 {
		return fmt.Errorf("config.parking durations must not be negative")
	}
	if c.Packaging.Template == "" && c.Packaging.TemplatePath == "" {
		return fmt.Errorf("config.packaging.template or template_path is required")
	}
	for i, p := range c.Packaging.ForbiddenPatterns {
		if err := compile(fmt.Sprintf("config.packaging.forbidden_patterns[%d]", i), p); err != nil {
			return err
		}
	}
	for action, collab := range c.Collaborators {
		if !knownAction(action) {
			return fmt.Errorf("config.collaborators.%s is not a known action (%s)", action, strings.Join(Actions, ", "))
		}
		if len(collab.Command) == 0 || strings.TrimSpace(collab.Command[0]) == "" {
			return fmt.Errorf("config.collaborators.%s.command is required", action)
		}
		if collab.Timeout < 0 {
			return fmt.Errorf("config.collaborators.%s.timeout must not be negative", action)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for actor, roles := range c.RBAC.Actors {
		if actor == "" {
			return fmt.Errorf("config.rbac.actors has empty actor id")
		}
		for _, roleID := range roles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("actor %s references unknown role %s", actor, roleID)
			}
		}
	}
	if c.Store.StaleLockAfter < 0 {
		return fmt.Errorf("config.store.stale_lock_after must not be negative")
	}
	stale := c.Store.StaleLockAfter
	if stale == 0 {
		stale = DefaultStaleLockAfter
	}
	for _, action := range Actions {
		cc, ok := c.Collaborators[action]
		if !ok {
			continue
		}
		timeout := cc.Timeout
		if timeout == 0 {
			timeout = DefaultCollaboratorTimeout
		}
		if stale <= timeout {
			return fmt.Errorf("config.store.stale_lock_after (%s) must exceed config.collaborators.%s.timeout (%s)", stale, action, timeout)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func compile(field, pattern string) error {
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("%s: invalid pattern %q: %w", field, pattern, err)
	}
	return nil
}

func knownAction(action string) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}

// PackagingTemplate returns the inline template or reads template_path relative to workspace.
func (c *Config) PackagingTemplate(workspace string) (string, error) {
	if c.Packaging.TemplatePath == "" {
		return c.Packaging.Template, nil
	}
	path := c.Packaging.TemplatePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read packaging template: %w", err)
	}
	return string(data), nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(slot string) string {
	if slot == "" {
		slot = "default"
	}
	return fmt.Sprintf(defaultTemplate, slot)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a slot.
func Default(slot string) *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(slot))).Decode(&cfg); err != nil {
		panic("config: default template: " + err.Error())
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  slot: %s
  max_attempts: 3
  max_job_restarts: 2

gates:
  coverage:
    tail_chars: 100
    fallback_tail_chars: 50
    tolerance_chars: 500
    tolerance_percent: 0
    incomplete_endings:
      - pattern: '\but\s*$'
        message: 'ends with "ut" (so that), likely incomplete'
      - pattern: '\bquod\s*$'
        message: 'ends with "quod" (which, that), likely incomplete'
      - pattern: '\bquia\s*$'
        message: 'ends with "quia" (because), likely incomplete'
      - pattern: '\bet\s*$'
        message: 'ends with "et" (and), likely incomplete'
      - pattern: ',\s*$'
        message: 'ends with a comma, sentence incomplete'
      - pattern: ':\s*$'
        message: 'ends with a colon, expecting continuation'
    closing_markers: []
  provenance:
    min_citation_ratio: 0.5
    min_phrase_words: 5
    max_phrase_samples: 40
    max_filler_matches: 5
  budget:
    ceiling: 25
    currency: USD

parking:
  settle_interval: 5s
  audio_deadline: 2h
  video_deadline: 6h

packaging:
  output_dir: .folioline/artifacts
  forbidden_patterns:
    - '(?i)^#+\s*(summary|key takeaways|conclusion)\b'
    - '(?i)^\s*(tl;dr|in summary)\b'
  template: |
    {title}

    A complete reading of {title} by {author}, translated from {language}.

    Source: {source_url}

    Read by a synthetic voice. Every chapter is rendered in full.

collaborators: {}

rbac:
  roles:
    owner:
      description: "Full control"
      permissions: [project.create, project.step, project.transition, gate.record, review.approve, review.reject, publish.public, budget.override, project.cancel, project.rework, project.resume, attempts.reset, events.read, project.read]
    reviewer:
      description: "Approves or rejects finished packages"
      permissions: [review.approve, review.reject, project.read, events.read]
    publisher:
      description: "Changes public visibility"
      permissions: [publish.public, project.read]
    operator:
      description: "Drives the pipeline"
      permissions: [project.create, project.step, project.transition, project.rework, project.resume, attempts.reset, project.cancel, project.read, events.read]
  actors: {}

store:
  stale_lock_after: 45m

webhooks: []
`
