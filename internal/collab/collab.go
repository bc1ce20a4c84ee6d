// Package collab is the boundary to the external systems that do the actual
// content work: research, translation, media generation and upload. The engine
// only sees results; it never knows how they were produced.
package collab

import (
	"context"

	"folioline/internal/domain"
)

// Request is what a collaborator receives. Record is a copy; mutating it has no effect.
type Request struct {
	Action    string        `json:"action"`
	Record    domain.Record `json:"record"`
	Workspace string        `json:"workspace"`
}

// Result carries collaborator output back to the engine. Fields are merged under
// the write-once rule; Job describes an operation that keeps running after the
// invocation returns.
type Result struct {
	Fields domain.Fields `json:"fields"`
	Costs  []domain.Cost `json:"costs,omitempty"`
	Job    *domain.Job   `json:"job,omitempty"`
}

type Collaborator interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Collaborator.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Invoke(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Publisher changes the public visibility of an uploaded video. Only a human
// operation calls it.
type Publisher interface {
	SetVisibility(ctx context.Context, rec domain.Record, visibility string) error
}

type PublisherFunc func(ctx context.Context, rec domain.Record, visibility string) error

func (f PublisherFunc) SetVisibility(ctx context.Context, rec domain.Record, visibility string) error {
	return f(ctx, rec, visibility)
}
