package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"folioline/internal/domain"
	"folioline/internal/engine"
	"folioline/internal/engine/auth"
	"folioline/internal/events"
	"folioline/internal/repo"
	"folioline/internal/tmpl"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_refused"`
	Message string         `json:"message" example:"transition VALIDATING -> GENERATING_AUDIO refused"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the folioline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Store == nil {
		return nil, errors.New("engine store not configured")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Folioline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerStep(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerHumanOps(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "transition_refused", err.Error(), map[string]any{
			"from":   te.From,
			"to":     te.To,
			"reason": te.Reason,
			"unmet":  nonNilSlice(te.Unmet),
		})
	}
	var ste *engine.StateError
	if errors.As(err, &ste) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"state": ste.State})
	}
	var ge *engine.GateError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusUnprocessableEntity, "gate_failed", err.Error(), map[string]any{
			"gate":        ge.Gate,
			"diagnostics": nonNilSlice(ge.Verdict.Diagnostics),
		})
	}
	var je *engine.JobError
	if errors.As(err, &je) {
		return newAPIError(http.StatusUnprocessableEntity, "job_failed", err.Error(), map[string]any{"stage": je.Stage})
	}
	var rl *engine.RestartLimitError
	if errors.As(err, &rl) {
		return newAPIError(http.StatusConflict, "restart_limit", err.Error(), map[string]any{"stage": rl.Stage, "restarts": rl.Restarts})
	}
	var ce *engine.CollaboratorError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "collaborator_failed", err.Error(), map[string]any{
			"action":  ce.Action,
			"attempt": ce.Attempt,
			"max":     ce.Max,
		})
	}
	var fw *domain.FieldWriteError
	if errors.As(err, &fw) {
		return newAPIError(http.StatusUnprocessableEntity, "field_rejected", err.Error(), map[string]any{"field": fw.Field})
	}
	var mv *tmpl.MissingValuesError
	if errors.As(err, &mv) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_values", err.Error(), map[string]any{"names": mv.Names})
	}
	var cr *repo.CorruptRecordError
	if errors.As(err, &cr) {
		return newAPIError(http.StatusInternalServerError, "corrupt_record", err.Error(), map[string]any{"path": cr.Path})
	}
	switch {
	case errors.Is(err, engine.ErrInterventionRequired):
		return newAPIError(http.StatusConflict, "intervention_required", err.Error(), nil)
	case errors.Is(err, engine.ErrNoCollaborator):
		return newAPIError(http.StatusConflict, "no_collaborator", err.Error(), nil)
	case errors.Is(err, engine.ErrVerdictRecorded):
		return newAPIError(http.StatusConflict, "verdict_recorded", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrLocked):
		return newAPIError(http.StatusConflict, "locked", err.Error(), nil)
	case errors.Is(err, repo.ErrExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission checks token permissions first, then the workspace rbac section.
func requirePermission(ctx context.Context, e engine.Engine, perm string) (string, error) {
	actorID, serr := actorIDFromContext(ctx)
	if serr != nil {
		return "", serr
	}
	if principal, _ := principalFromContext(ctx); hasPermission(principal.Permissions, perm) {
		return actorID, nil
	}
	if err := (auth.Service{Config: e.Config}).Require(actorID, perm); err != nil {
		return "", err
	}
	return actorID, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Folioline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type recordOutput struct {
	Body domain.Record `json:"body"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*recordOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := requirePermission(ctx, e, auth.PermProjectCreate)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		rec, err := e.Create(ctx, engine.CreateOptions{
			ID:   b.ID,
			Slot: b.Slot,
			Source: domain.Source{
				Title:    b.Title,
				Author:   b.Author,
				Language: b.Language,
				Path:     b.Path,
				URL:      b.URL,
			},
			Actor: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Slot            string `query:"slot"`
		State           string `query:"state"`
		IncludeTerminal bool   `query:"include_terminal"`
	}) (*struct {
		Body []ProjectSummary `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		state := domain.State(input.State)
		if state != "" && !state.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid state", map[string]any{"state": input.State})
		}
		items, err := e.List(ctx, engine.ListFilter{Slot: input.Slot, State: state, IncludeTerminal: input.IncludeTerminal})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectSummary `json:"body"`
		}{Body: mapSummaries(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project record",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*recordOutput, error) {
		if _, err := requirePermission(ctx, e, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Get(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-project",
		Method:      http.MethodGet,
		Path:        "/slots/{slot}/active",
		Summary:     "Oldest non-terminal project of a slot",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Slot string `path:"slot"`
	}) (*recordOutput, error) {
		if _, err := requirePermission(ctx, e, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.ListActive(ctx, input.Slot)
		if err != nil {
			return nil, handleError(err)
		}
		if rec == nil {
			return nil, newAPIError(http.StatusNotFound, "idle", "no active project in slot "+input.Slot, nil)
		}
		return &recordOutput{Body: *rec}, nil
	})
}

// A step that reached the record reports its outcome with 200 even when it was
// blocked or halted; the refusal is carried in the error field.
func stepResult(out engine.StepOutcome, err error) (*struct {
	Body StepResponse `json:"body"`
}, error) {
	if err != nil && out.Record.ID == "" {
		return nil, handleError(err)
	}
	res := stepResponse(out)
	if err != nil {
		se := handleError(err)
		if ae, ok := se.(*apiError); ok {
			body := ae.Body
			res.Error = &body
		}
	}
	return &struct {
		Body StepResponse `json:"body"`
	}{Body: res}, nil
}

func registerStep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "step-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/step",
		Summary:     "Run one step of a project",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermProjectStep)
		if err != nil {
			return nil, handleError(err)
		}
		return stepResult(engine.Runner{Engine: e, Actor: actorID}.Step(ctx, input.ProjectID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "step-slot",
		Method:      http.MethodPost,
		Path:        "/slots/{slot}/next",
		Summary:     "Run one step of the active project of a slot",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Slot string `path:"slot"`
	}) (*struct {
		Body StepResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, auth.PermProjectStep)
		if err != nil {
			return nil, handleError(err)
		}
		return stepResult(engine.Runner{Engine: e, Actor: actorID}.Next(ctx, input.Slot))
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/transition",
		Summary:     "Attempt a declared transition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      TransitionRequest `json:"body"`
	}) (*recordOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermProjectTransition)
		if err != nil {
			return nil, handleError(err)
		}
		if !input.Body.To.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid target state", map[string]any{"to": input.Body.To})
		}
		rec, err := e.AttemptTransition(ctx, input.ProjectID, input.Body.To, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-gate",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gates/{field}",
		Summary:     "Run the gate owning a validation field and record its verdict",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Field     string `path:"field" enum:"research.validation,translation.validation,package.validation"`
	}) (*recordOutput, error) {
		actorID, err := requirePermission(ctx, e, auth.PermGateRecord)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.RecordGate(ctx, input.ProjectID, input.Field, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})
}

type projectInput[B any] struct {
	ProjectID string `path:"project_id"`
	Body      B      `json:"body" required:"false"`
}

// registerHumanOp registers a POST operation on a project that runs a human
// operation as the authenticated actor.
func registerHumanOp[B any](api huma.API, e engine.Engine, id, route, summary, perm string, run func(ctx context.Context, projectID, actorID string, body B) (domain.Record, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/" + route,
		Summary:     summary,
		Errors:      commonErrors,
	}, func(ctx context.Context, input *projectInput[B]) (*recordOutput, error) {
		actorID, err := requirePermission(ctx, e, perm)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := run(ctx, input.ProjectID, actorID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &recordOutput{Body: rec}, nil
	})
}

func registerHumanOps(api huma.API, e engine.Engine) {
	registerHumanOp(api, e, "approve-review", "review/approve", "Approve the finished package", auth.PermReviewApprove,
		func(ctx context.Context, id, actor string, b NoteRequest) (domain.Record, error) {
			return e.ApproveReview(ctx, id, actor, b.Note)
		})
	registerHumanOp(api, e, "reject-review", "review/reject", "Reject the finished package", auth.PermReviewReject,
		func(ctx context.Context, id, actor string, b NoteRequest) (domain.Record, error) {
			return e.RejectReview(ctx, id, actor, b.Note)
		})
	registerHumanOp(api, e, "publish-public", "publish", "Make the uploaded video public and complete the project", auth.PermPublishPublic,
		func(ctx context.Context, id, actor string, _ struct{}) (domain.Record, error) {
			return e.MakePublic(ctx, id, actor)
		})
	registerHumanOp(api, e, "override-budget", "budget/override", "Allow spend past the budget ceiling", auth.PermBudgetOverride,
		func(ctx context.Context, id, actor string, b BudgetOverrideRequest) (domain.Record, error) {
			return e.OverrideBudget(ctx, id, actor, b.Reason, b.Ceiling)
		})
	registerHumanOp(api, e, "cancel-project", "cancel", "Cancel the project", auth.PermProjectCancel,
		func(ctx context.Context, id, actor string, b ReasonRequest) (domain.Record, error) {
			return e.Cancel(ctx, id, actor, b.Reason)
		})
	registerHumanOp(api, e, "rework-project", "rework", "Send the project back to the stage that produced a rejected output", auth.PermProjectRework,
		func(ctx context.Context, id, actor string, b ReasonRequest) (domain.Record, error) {
			return e.Rework(ctx, id, actor, b.Reason)
		})
	registerHumanOp(api, e, "resume-project", "resume", "Restart a halted job stage", auth.PermProjectResume,
		func(ctx context.Context, id, actor string, b ReasonRequest) (domain.Record, error) {
			return e.Resume(ctx, id, actor, b.Reason)
		})
	registerHumanOp(api, e, "reset-attempts", "attempts/reset", "Clear the automatic attempt counter", auth.PermAttemptsReset,
		func(ctx context.Context, id, actor string, _ struct{}) (domain.Record, error) {
			return e.ResetAttempts(ctx, id, actor)
		})
}

func registerEvents(api huma.API, e engine.Engine) {
	handler := func(ctx context.Context, projectID, typ string, limit int, cursor string) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		if e.Events.DB == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "audit index not available", nil)
		}
		limit = normalizeLimit(limit)
		var before int64
		if cursor != "" {
			parsed, err := strconv.ParseInt(cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
			}
			before = parsed
		}
		items, err := events.Reader{DB: e.Events.DB}.Latest(ctx, events.Filter{ProjectID: projectID, Type: typ, Before: before, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-project-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent audit events of a project",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		return handler(ctx, input.ProjectID, input.Type, input.Limit, input.Cursor)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		return handler(ctx, "", input.Type, input.Limit, input.Cursor)
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles := principal.Roles
		perms := principal.Permissions
		svc := auth.Service{Config: e.Config}
		if len(roles) == 0 {
			roles = svc.ActorRoles(principal.ActorID)
		}
		if len(perms) == 0 {
			perms = svc.ActorPermissions(principal.ActorID)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
