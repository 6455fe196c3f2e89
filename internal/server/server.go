package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"crewdeck/internal/domain"
	"crewdeck/internal/events"
	"crewdeck/internal/logging"
	"crewdeck/internal/metrics"
	"crewdeck/internal/orchestrator"
	"crewdeck/internal/templates"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Hub          *events.Hub
	Templates    *templates.Catalog
	// Metrics serves the Prometheus exposition when set.
	Metrics   http.Handler
	BasePath  string
	Keepalive time.Duration
	Logger    *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_running"`
	Message string         `json:"message" example:"project 3f2a9c1d: project is already running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the crewdeck API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil || cfg.Hub == nil || cfg.Templates == nil {
		return nil, fmt.Errorf("server: orchestrator, hub and templates are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	log := logging.OrNop(cfg.Logger).Named("server")

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request validation failures are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("crewdeck API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	o := cfg.Orchestrator
	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, o)
	registerRuns(group, o)
	registerAgents(group, o)
	registerApprovals(group, o)
	registerTemplates(group, cfg.Templates)
	registerStreams(router, basePath, streamConfig{
		orch:      o,
		hub:       cfg.Hub,
		keepalive: cfg.Keepalive,
		log:       log,
	})
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, path.Join(basePath, "metrics"), cfg.Metrics)
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
	msg := err.Error()
	var te *domain.TransitionError
	switch {
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{
			"entity": te.Entity, "id": te.ID, "from": te.From, "to": te.To,
		})
	case errors.Is(err, domain.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", msg, nil)
	case errors.Is(err, domain.ErrAlreadyDecided):
		return newAPIError(http.StatusConflict, "already_decided", msg, nil)
	case errors.Is(err, domain.ErrPreconditionFailed):
		return newAPIError(http.StatusPreconditionFailed, "precondition_failed", msg, nil)
	case errors.Is(err, domain.ErrNoTaskTemplates):
		return newAPIError(http.StatusPreconditionFailed, "no_task_templates", msg, nil)
	case errors.Is(err, domain.ErrScaffoldFailed):
		return newAPIError(http.StatusInternalServerError, "scaffold_failed", msg, nil)
	case errors.Is(err, domain.ErrSpawn):
		return newAPIError(http.StatusInternalServerError, "spawn_failed", msg, nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrInvalidInput):
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
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// writeError renders the envelope outside huma, for the raw stream routes.
func writeError(w http.ResponseWriter, err error) {
	se := handleError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.GetStatus())
	_ = json.NewEncoder(w).Encode(se)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>crewdeck API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerProjects(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*body[domain.Project], error) {
		p, err := o.CreateProject(ctx, input.Body.Name, input.Body.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*body[[]orchestrator.ProjectSummary], error) {
		return reply(nonNil(o.Projects())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with its agents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[orchestrator.ProjectDetail], error) {
		d, err := o.Project(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agents-doc",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/agents-doc",
		Summary:     "Read AGENTS.md",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[AgentsDocResponse], error) {
		content, err := o.AgentsDoc(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AgentsDocResponse{Content: content}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-agents-doc",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/agents-doc",
		Summary:     "Replace AGENTS.md",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      AgentsDocRequest `json:"body"`
	}) (*body[AgentsDocResponse], error) {
		if err := o.SetAgentsDoc(input.ProjectID, input.Body.Content); err != nil {
			return nil, handleError(err)
		}
		return reply(AgentsDocResponse{Content: input.Body.Content}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-diary",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/diaries/{agent_id}",
		Summary:     "Read an agent diary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*body[DiaryResponse], error) {
		content, err := o.Diary(input.ProjectID, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DiaryResponse{AgentID: input.AgentID, Content: content}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[[]domain.Task], error) {
		items, err := o.Tasks(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-metrics",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/metrics",
		Summary:     "Task metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[metrics.Metrics], error) {
		m, err := o.Metrics(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-costs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/costs",
		Summary:     "Token costs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[metrics.Costs], error) {
		c, err := o.Costs(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})
}

func registerRuns(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "run-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/run",
		Summary:     "Start the workflow",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusPreconditionFailed,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string     `path:"project_id"`
		Body      RunRequest `json:"body" required:"false"`
	}) (*body[orchestrator.RunStatus], error) {
		rs, err := o.Start(ctx, input.ProjectID, orchestrator.StartOptions{TaskFile: input.Body.TaskFile})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-all",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/run-all",
		Summary:     "Run every task template in order",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusPreconditionFailed,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *projectPath) (*body[orchestrator.RunStatus], error) {
		rs, err := o.RunAll(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rs), nil
	})
}

func registerAgents(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/agents",
		Summary:     "List agents with metrics and costs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[[]orchestrator.AgentView], error) {
		items, err := o.Agents(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/agents/{agent_id}",
		Summary:     "Get agent detail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *agentPath) (*body[orchestrator.AgentDetail], error) {
		d, err := o.Agent(input.ProjectID, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/agents/{agent_id}/tasks",
		Summary:       "Assign a task to an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		AgentID   string            `path:"agent_id"`
		Body      AssignTaskRequest `json:"body"`
	}) (*body[domain.Task], error) {
		t, err := o.AssignTask(input.ProjectID, input.AgentID, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-agent",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/agents/{agent_id}/start",
		Summary:     "Start the agent's next task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *agentPath) (*body[domain.Task], error) {
		t, err := o.StartAgent(input.ProjectID, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-agent",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/agents/{agent_id}/stop",
		Summary:     "Stop the agent's running task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *agentPath) (*body[orchestrator.AgentDetail], error) {
		if err := o.StopAgent(input.ProjectID, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		d, err := o.Agent(input.ProjectID, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-agent",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/agents/{agent_id}/retry",
		Summary:     "Retry the agent's last task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusPreconditionFailed},
	}, func(ctx context.Context, input *agentPath) (*body[domain.Task], error) {
		t, err := o.RetryAgent(input.ProjectID, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerApprovals(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/approvals",
		Summary:     "List approvals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*body[[]domain.Approval], error) {
		items, err := o.Approvals(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	for _, d := range []struct {
		verb    string
		summary string
		decide  func(projectID, approvalID string) (domain.Approval, error)
	}{
		{verb: "approve", summary: "Approve a pending approval", decide: o.Approve},
		{verb: "reject", summary: "Reject a pending approval", decide: o.Reject},
	} {
		huma.Register(api, huma.Operation{
			OperationID: d.verb + "-approval",
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/approvals/{approval_id}/" + d.verb,
			Summary:     d.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *approvalPath) (*body[domain.Approval], error) {
			a, err := d.decide(input.ProjectID, input.ApprovalID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(a), nil
		})
	}
}

func registerTemplates(api huma.API, c *templates.Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List task templates",
	}, func(ctx context.Context, _ *struct{}) (*body[[]templates.Template], error) {
		return reply(nonNil(c.List())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{name}",
		Summary:     "Read a task template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*body[TemplateResponse], error) {
		t, content, err := c.Read(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(TemplateResponse{Template: t, Content: content}), nil
	})
}
