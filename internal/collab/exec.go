package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"folioline/internal/config"
	"folioline/internal/domain"
)

const (
	DefaultTimeout = config.DefaultCollaboratorTimeout
	maxStderr      = 2048
)

// ExecCollaborator runs a command per invocation. The request is written to
// stdin as JSON; stdout must hold a single Result document.
type ExecCollaborator struct {
	Action  string
	Command []string
	Timeout time.Duration
	Env     map[string]string
	Dir     string
}

func (c ExecCollaborator) Invoke(ctx context.Context, req Request) (Result, error) {
	out, err := c.run(ctx, req, nil)
	if err != nil {
		return Result{}, err
	}
	var res Result
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&res); err != nil {
		return Result{}, fmt.Errorf("%s: decode result: %w", c.Action, err)
	}
	return res, nil
}

func (c ExecCollaborator) run(ctx context.Context, req Request, extra map[string]string) ([]byte, error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("%s: no command configured", c.Action)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.Action, err)
	}
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), c.environ(req, extra)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s: timed out after %s", c.Action, timeout)
		}
		return nil, fmt.Errorf("%s: %w: %s", c.Action, err, tail(stderr.String(), maxStderr))
	}
	return stdout.Bytes(), nil
}

func (c ExecCollaborator) environ(req Request, extra map[string]string) []string {
	env := map[string]string{
		"FOLIOLINE_ACTION":     c.Action,
		"FOLIOLINE_PROJECT_ID": req.Record.ID,
		"FOLIOLINE_STATE":      string(req.Record.State),
		"FOLIOLINE_WORKSPACE":  req.Workspace,
	}
	if src := req.Record.Fields.Source; src != nil {
		env["FOLIOLINE_SOURCE_PATH"] = src.Path
	}
	for k, v := range c.Env {
		env[k] = v
	}
	for k, v := range extra {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// ExecPublisher runs the publish_visibility command with FOLIOLINE_VISIBILITY set.
type ExecPublisher struct {
	ExecCollaborator
}

func (p ExecPublisher) SetVisibility(ctx context.Context, rec domain.Record, visibility string) error {
	_, err := p.run(ctx, Request{Action: p.Action, Record: rec, Workspace: p.Dir}, map[string]string{
		"FOLIOLINE_VISIBILITY": visibility,
	})
	return err
}

// FromConfig builds exec collaborators for every configured action. The
// publisher is nil when publish_visibility is not configured.
func FromConfig(cfg *config.Config, workspace string) (map[string]Collaborator, Publisher) {
	out := map[string]Collaborator{}
	var pub Publisher
	if cfg == nil {
		return out, nil
	}
	for action, cc := range cfg.Collaborators {
		ec := ExecCollaborator{
			Action:  action,
			Command: append([]string(nil), cc.Command...),
			Timeout: cc.Timeout,
			Env:     cc.Env,
			Dir:     workspace,
		}
		if action == config.ActionPublishVisibility {
			pub = ExecPublisher{ExecCollaborator: ec}
			continue
		}
		out[action] = ec
	}
	return out, pub
}
