package foliolinesdk

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"folioline/internal/app"
	"folioline/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	ws, err := app.Open(context.Background(), t.TempDir(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	handler, err := server.New(server.Config{Engine: ws.Engine, Auth: server.AuthConfig{
		AllowActorHeader: true,
		Logger:           log.New(io.Discard, "", 0),
	}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.ActorID = "ops"
	return c
}

func TestClientLifecycle(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	p, err := c.CreateProject(ctx, "sermones", "", Source{Title: "Sermones", Path: "sources/sermones.txt"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.State != "SELECTED" {
		t.Fatalf("state = %s", p.State)
	}
	res, err := c.Step(ctx, "sermones")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != "blocked" || res.Error == nil {
		t.Fatalf("expected blocked step without collaborators: %+v", res)
	}
	if _, err := c.RunGate(ctx, "sermones", "translation.validation"); err == nil {
		t.Fatalf("gate outside its state should be refused")
	}
	list, err := c.ListProjects(ctx, "", "", false)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}
	if _, err := c.Cancel(ctx, "sermones", "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	evts, err := c.Events(ctx, "sermones", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evts))
	}
}

func TestClientSurfacesErrorCode(t *testing.T) {
	c := newClient(t)
	_, err := c.GetProject(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code() != "not_found" {
		t.Fatalf("unexpected error: %v", apiErr)
	}
}
