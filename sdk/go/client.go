package foliolinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Folioline HTTP API client.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Source describes the text a project renders.
type Source struct {
	Title    string `json:"title"`
	Author   string `json:"author,omitempty"`
	Language string `json:"language,omitempty"`
	Path     string `json:"path"`
	URL      string `json:"url,omitempty"`
}

// Project is the record model (partial). Fields carries the per-stage sections
// as raw JSON.
type Project struct {
	ID        string                     `json:"id"`
	Slot      string                     `json:"slot"`
	Seq       int64                      `json:"seq"`
	State     string                     `json:"state"`
	Attempts  map[string]int             `json:"attempts,omitempty"`
	Restarts  map[string]int             `json:"restarts,omitempty"`
	Fields    map[string]json.RawMessage `json:"fields"`
	CreatedAt string                     `json:"created_at"`
	UpdatedAt string                     `json:"updated_at"`
}

// ProjectSummary is a list entry.
type ProjectSummary struct {
	ID        string  `json:"id"`
	Slot      string  `json:"slot"`
	Seq       int64   `json:"seq"`
	State     string  `json:"state"`
	Title     string  `json:"title"`
	CostTotal float64 `json:"cost_total"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// ErrorBody is the error envelope returned by the API.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// StepResult reports one driver step.
type StepResult struct {
	Outcome string     `json:"outcome"`
	ID      string     `json:"id,omitempty"`
	Action  string     `json:"action,omitempty"`
	From    string     `json:"from,omitempty"`
	To      string     `json:"to,omitempty"`
	Detail  string     `json:"detail,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Record  *Project   `json:"record,omitempty"`
}

// Event represents an audit entry.
type Event struct {
	ID        int64  `json:"id"`
	EntryID   string `json:"entry_id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	Slot      string `json:"slot"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	ActorID   string `json:"actor_id"`
	Detail    string `json:"detail,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the error code of the envelope, or "" when the body is not one.
func (e *APIError) Code() string {
	var env struct {
		Error ErrorBody `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project in slot, or the configured slot when empty.
func (c *Client) CreateProject(ctx context.Context, id, slot string, src Source) (Project, error) {
	body := map[string]any{
		"id":       id,
		"slot":     slot,
		"title":    src.Title,
		"author":   src.Author,
		"language": src.Language,
		"path":     src.Path,
		"url":      src.URL,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

// ListProjects lists projects matching the filters.
func (c *Client) ListProjects(ctx context.Context, slot, state string, includeTerminal bool) ([]ProjectSummary, error) {
	q := url.Values{}
	if slot != "" {
		q.Set("slot", slot)
	}
	if state != "" {
		q.Set("state", state)
	}
	if includeTerminal {
		q.Set("include_terminal", "true")
	}
	endpoint := "v0/projects"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []ProjectSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Step runs one driver step on a project. A refused step still returns a
// result; its Error field carries the refusal.
func (c *Client) Step(ctx context.Context, id string) (StepResult, error) {
	var resp StepResult
	err := c.do(ctx, http.MethodPost, projectPath(id, "step"), nil, &resp)
	return resp, err
}

// Next steps the active project of slot.
func (c *Client) Next(ctx context.Context, slot string) (StepResult, error) {
	var resp StepResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/slots/%s/next", url.PathEscape(slot)), nil, &resp)
	return resp, err
}

func (c *Client) Transition(ctx context.Context, id, to string) (Project, error) {
	return c.projectOp(ctx, id, "transition", map[string]any{"to": to})
}

// RunGate evaluates the gate owning field ("research.validation",
// "translation.validation" or "package.validation") and records its verdict.
func (c *Client) RunGate(ctx context.Context, id, field string) (Project, error) {
	return c.projectOp(ctx, id, "gates/"+url.PathEscape(field), nil)
}

func (c *Client) ApproveReview(ctx context.Context, id, note string) (Project, error) {
	return c.projectOp(ctx, id, "review/approve", map[string]any{"note": note})
}

func (c *Client) RejectReview(ctx context.Context, id, note string) (Project, error) {
	return c.projectOp(ctx, id, "review/reject", map[string]any{"note": note})
}

// MakePublic flips the uploaded video to public and completes the project.
func (c *Client) MakePublic(ctx context.Context, id string) (Project, error) {
	return c.projectOp(ctx, id, "publish", nil)
}

func (c *Client) OverrideBudget(ctx context.Context, id, reason string, ceiling float64) (Project, error) {
	return c.projectOp(ctx, id, "budget/override", map[string]any{"reason": reason, "ceiling": ceiling})
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (Project, error) {
	return c.projectOp(ctx, id, "cancel", map[string]any{"reason": reason})
}

func (c *Client) Rework(ctx context.Context, id, reason string) (Project, error) {
	return c.projectOp(ctx, id, "rework", map[string]any{"reason": reason})
}

func (c *Client) Resume(ctx context.Context, id, reason string) (Project, error) {
	return c.projectOp(ctx, id, "resume", map[string]any{"reason": reason})
}

func (c *Client) ResetAttempts(ctx context.Context, id string) (Project, error) {
	return c.projectOp(ctx, id, "attempts/reset", nil)
}

// Events returns recent events of a project, or of every project when id is empty.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, id, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if id != "" {
		endpoint = projectPath(id, "events")
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) projectOp(ctx context.Context, id, op string, body any) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(id, op), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func projectPath(id, p string) string {
	base := fmt.Sprintf("v0/projects/%s", url.PathEscape(id))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
