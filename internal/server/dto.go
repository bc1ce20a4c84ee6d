package server

import (
	"folioline/internal/domain"
	"folioline/internal/engine"
	"folioline/internal/events"
)

type CreateProjectRequest struct {
	ID       string `json:"id,omitempty" doc:"Slug id; a uuid is assigned when empty"`
	Slot     string `json:"slot,omitempty"`
	Title    string `json:"title"`
	Author   string `json:"author,omitempty"`
	Language string `json:"language,omitempty"`
	Path     string `json:"path" doc:"Source text path, relative to the workspace"`
	URL      string `json:"url,omitempty"`
}

type TransitionRequest struct {
	To domain.State `json:"to"`
}

type NoteRequest struct {
	Note string `json:"note,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type BudgetOverrideRequest struct {
	Reason  string  `json:"reason"`
	Ceiling float64 `json:"ceiling,omitempty" doc:"Upper bound for the override; zero means unbounded"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type ProjectSummary struct {
	ID        string       `json:"id"`
	Slot      string       `json:"slot"`
	Seq       int64        `json:"seq"`
	State     domain.State `json:"state"`
	Title     string       `json:"title"`
	CostTotal float64      `json:"cost_total"`
	CreatedAt string       `json:"created_at"`
	UpdatedAt string       `json:"updated_at"`
}

type StepResponse struct {
	Outcome engine.Outcome `json:"outcome"`
	ID      string         `json:"id,omitempty"`
	Action  string         `json:"action,omitempty"`
	From    domain.State   `json:"from,omitempty"`
	To      domain.State   `json:"to,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Error   *apiErrorBody  `json:"error,omitempty"`
	Record  *domain.Record `json:"record,omitempty"`
}

type EventResponse struct {
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

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func projectSummary(r domain.Record) ProjectSummary {
	s := ProjectSummary{
		ID:        r.ID,
		Slot:      r.Slot,
		Seq:       r.Seq,
		State:     r.State,
		CostTotal: r.Costs.Total,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Fields.Source != nil {
		s.Title = r.Fields.Source.Title
	}
	return s
}

func mapSummaries(items []domain.Record) []ProjectSummary {
	res := make([]ProjectSummary, 0, len(items))
	for _, r := range items {
		res = append(res, projectSummary(r))
	}
	return res
}

func stepResponse(out engine.StepOutcome) StepResponse {
	res := StepResponse{
		Outcome: out.Outcome,
		ID:      out.ID,
		Action:  out.Action,
		From:    out.From,
		To:      out.To,
		Detail:  out.Detail,
	}
	if out.Record.ID != "" {
		rec := out.Record
		res.Record = &rec
	}
	return res
}

func eventResponse(e events.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		EntryID:   e.EntryID,
		TS:        e.TS,
		Type:      e.Type,
		ProjectID: e.ProjectID,
		Slot:      e.Slot,
		From:      e.From,
		To:        e.To,
		ActorID:   e.ActorID,
		Detail:    e.Detail,
		Payload:   e.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
