package app

import (
	"context"
	"errors"
	"testing"

	"folioline/internal/domain"
	"folioline/internal/engine"
)

func TestInitThenOpen(t *testing.T) {
	dir := t.TempDir()
	if _, err := Init(dir, "latin", false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := Init(dir, "latin", false); !errors.Is(err, ErrConfigExists) {
		t.Fatalf("expected ErrConfigExists, got %v", err)
	}
	ctx := context.Background()
	ws, err := Open(ctx, dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Workflow.Slot != "latin" {
		t.Fatalf("slot = %s", ws.Config.Workflow.Slot)
	}
	rec, err := ws.Engine.Create(ctx, engine.CreateOptions{ID: "one", Source: domain.Source{Title: "t", Path: "p.txt"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Slot != "latin" {
		t.Fatalf("record slot = %s", rec.Slot)
	}
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	ws, err := Open(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Workflow.Slot != domain.DefaultSlot {
		t.Fatalf("slot = %s", ws.Config.Workflow.Slot)
	}
}
