package collab

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"folioline/internal/config"
	"folioline/internal/domain"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func request() Request {
	return Request{
		Action: config.ActionResearch,
		Record: domain.Record{
			ID:     "alpha",
			State:  domain.StateSelected,
			Fields: domain.Fields{Source: &domain.Source{Title: "De gradibus", Path: "src.txt"}},
		},
	}
}

func TestExecCollaboratorResult(t *testing.T) {
	requireShell(t)
	c := ExecCollaborator{
		Action:  config.ActionResearch,
		Command: []string{"sh", "-c", `cat >/dev/null; printf '{"fields":{"research":{"output_path":"out/%s.md"}},"costs":[{"category":"llm","amount":1.25}]}' "$FOLIOLINE_PROJECT_ID"`},
		Timeout: 10 * time.Second,
	}
	res, err := c.Invoke(context.Background(), request())
	if err != nil {
		t.Fatal(err)
	}
	if res.Fields.Research == nil || res.Fields.Research.OutputPath != "out/alpha.md" {
		t.Fatalf("fields = %+v", res.Fields)
	}
	if len(res.Costs) != 1 || res.Costs[0].Amount != 1.25 {
		t.Fatalf("costs = %+v", res.Costs)
	}
}

func TestExecCollaboratorReceivesRecord(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	dump := filepath.Join(dir, "stdin.json")
	c := ExecCollaborator{
		Action:  config.ActionResearch,
		Command: []string{"sh", "-c", `cat > "$DUMP"; echo '{"fields":{}}'`},
		Env:     map[string]string{"DUMP": dump},
	}
	if _, err := c.Invoke(context.Background(), request()); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dump)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"id":"alpha"`) || !strings.Contains(string(data), `"action":"research"`) {
		t.Fatalf("stdin = %s", data)
	}
}

func TestExecCollaboratorFailure(t *testing.T) {
	requireShell(t)
	c := ExecCollaborator{Action: config.ActionTranslate, Command: []string{"sh", "-c", "echo quota exhausted >&2; exit 3"}}
	_, err := c.Invoke(context.Background(), request())
	if err == nil || !strings.Contains(err.Error(), "quota exhausted") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecCollaboratorRejectsUnknownFields(t *testing.T) {
	requireShell(t)
	c := ExecCollaborator{Action: config.ActionResearch, Command: []string{"sh", "-c", `echo '{"state":"COMPLETE"}'`}}
	if _, err := c.Invoke(context.Background(), request()); err == nil {
		t.Fatalf("a result that tries to set state must be rejected")
	}
}

func TestExecCollaboratorTimeout(t *testing.T) {
	requireShell(t)
	c := ExecCollaborator{Action: config.ActionVideo, Command: []string{"sh", "-c", "exec sleep 5"}, Timeout: 100 * time.Millisecond}
	_, err := c.Invoke(context.Background(), request())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestExecPublisherVisibility(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "vis")
	p := ExecPublisher{ExecCollaborator{
		Action:  config.ActionPublishVisibility,
		Command: []string{"sh", "-c", `printf '%s' "$FOLIOLINE_VISIBILITY" > "$OUT"`},
		Env:     map[string]string{"OUT": out},
	}}
	if err := p.SetVisibility(context.Background(), request().Record, domain.VisibilityPublic); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "public" {
		t.Fatalf("visibility = %q", data)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default("default")
	cfg.Collaborators = map[string]config.CollaboratorConfig{
		config.ActionResearch:          {Command: []string{"research-bot"}},
		config.ActionPublishVisibility: {Command: []string{"yt-visibility"}},
	}
	collabs, pub := FromConfig(cfg, "/ws")
	if _, ok := collabs[config.ActionResearch]; !ok || len(collabs) != 1 {
		t.Fatalf("collaborators = %v", collabs)
	}
	if pub == nil {
		t.Fatalf("publisher not built")
	}
}
