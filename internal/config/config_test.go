package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("reading-room")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Workflow.Slot != "reading-room" || cfg.Workflow.MaxAttempts != 3 {
		t.Fatalf("workflow = %+v", cfg.Workflow)
	}
	if cfg.Parking.SettleInterval != 5*time.Second || cfg.Parking.VideoDeadline != 6*time.Hour {
		t.Fatalf("parking durations = %+v", cfg.Parking)
	}
	if cfg.Store.StaleLockAfter != DefaultStaleLockAfter {
		t.Fatalf("stale lock = %v", cfg.Store.StaleLockAfter)
	}
	if len(cfg.Gates.Coverage.IncompleteEndings) != 6 {
		t.Fatalf("incomplete endings = %+v", cfg.Gates.Coverage.IncompleteEndings)
	}
	for _, chunk := range []string{"et dixit ut", "sic enim quod", "in pace, et", "hoc modo,", "dixit:"} {
		matched := false
		for _, e := range cfg.Gates.Coverage.IncompleteEndings {
			if regexp.MustCompile(e.Pattern).MatchString(chunk) {
				matched = true
			}
		}
		if !matched {
			t.Fatalf("no default ending pattern flags %q", chunk)
		}
	}
	for _, e := range cfg.Gates.Coverage.IncompleteEndings {
		if regexp.MustCompile(e.Pattern).MatchString("in saecula saeculorum. amen.") {
			t.Fatalf("pattern %s flags a natural ending", e.Pattern)
		}
	}
	if !strings.Contains(cfg.Packaging.Template, "{title}") {
		t.Fatalf("packaging template missing placeholder")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"workflow.slot":       func(c *Config) { c.Workflow.Slot = "" },
		"max_attempts":        func(c *Config) { c.Workflow.MaxAttempts = 0 },
		"incomplete_endings":  func(c *Config) { c.Gates.Coverage.IncompleteEndings = []EndingConfig{{Pattern: "("}} },
		"min_citation_ratio":  func(c *Config) { c.Gates.Provenance.MinCitationRatio = 2 },
		"forbidden_patterns":  func(c *Config) { c.Packaging.ForbiddenPatterns = []string{"[a"} },
		"not a known action":  func(c *Config) { c.Collaborators = map[string]CollaboratorConfig{"dub": {Command: []string{"x"}}} },
		"command is required": func(c *Config) { c.Collaborators = map[string]CollaboratorConfig{ActionResearch: {}} },
		"must include owner":  func(c *Config) { delete(c.RBAC.Roles, "owner") },
		"unknown role":        func(c *Config) { c.RBAC.Actors = map[string][]string{"ana": {"ghost"}} },
		"template":            func(c *Config) { c.Packaging.Template = "" },
		"webhooks[0].url":     func(c *Config) { c.Webhooks = []WebhookConfig{{}} },
		"budget.ceiling":      func(c *Config) { c.Gates.Budget.Ceiling = -1 },
	}
	for want, mutate := range cases {
		cfg := Default("default")
		mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: got %v", want, err)
		}
	}
}

func TestStaleLockMustOutliveCollaborators(t *testing.T) {
	cfg := Default("default")
	cfg.Collaborators = map[string]CollaboratorConfig{ActionVideo: {Command: []string{"render"}, Timeout: time.Hour}}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "collaborators.video.timeout") {
		t.Fatalf("expected stale lock error, got %v", err)
	}

	cfg = Default("default")
	cfg.Store.StaleLockAfter = 10 * time.Minute
	cfg.Collaborators = map[string]CollaboratorConfig{ActionTranslate: {Command: []string{"translate"}}}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "must exceed") {
		t.Fatalf("default collaborator timeout should outlast a 10m stale lock, got %v", err)
	}

	cfg.Store.StaleLockAfter = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default stale lock should outlast the default timeout: %v", err)
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing config: cfg=%v err=%v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "fl config init") {
		t.Fatalf("expected hint, got %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("studio")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workflow.Slot != "studio" {
		t.Fatalf("slot = %s", cfg.Workflow.Slot)
	}
	if _, err := FromYAML([]byte("workflow: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestPackagingTemplatePath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "desc.txt"), []byte("{title}!"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Default("default")
	cfg.Packaging.TemplatePath = "desc.txt"
	got, err := cfg.PackagingTemplate(dir)
	if err != nil || got != "{title}!" {
		t.Fatalf("template = %q, %v", got, err)
	}
}
