package server

import (
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

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"CIRCUIT_BREAKER_TRIPPED"`
	Message string         `json:"message" example:"circuit breaker tripped; human approval required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure response carries.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missionline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMissions(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerBreakers(group, cfg.Engine)
	registerSnapshots(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startEventNotifier(cfg.Engine)

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

// handleError maps engine errors onto the HTTP envelope. The engine code is
// preserved verbatim so SDK callers can branch on it.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(statusForCode(ee.Code), string(ee.Code), ee.Message, ee.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, string(engine.CodeNotFound), err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeValidation:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeCompletionBlocked, engine.CodeDependencyNotMet:
		return http.StatusUnprocessableEntity
	case engine.CodeBreakerTripped:
		return http.StatusLocked
	case engine.CodeCostLimitExceeded:
		return http.StatusConflict
	case engine.CodeArmedModeRequired, engine.CodeDestructiveBlocked, engine.CodeToolNotAllowed:
		return http.StatusForbidden
	case engine.CodeRateLimited:
		return http.StatusTooManyRequests
	case engine.CodeNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Missionline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.Class == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "class is required", nil)
		}
		opts := engine.MissionCreateOptions{
			Name:              input.Body.Name,
			Description:       stringOrEmpty(input.Body.Description),
			Class:             input.Body.Class,
			RiskLevel:         stringOrEmpty(input.Body.RiskLevel),
			TriggerSource:     stringOrEmpty(input.Body.TriggerSource),
			RequiredArtifacts: input.Body.RequiredArtifacts,
			AllowedTools:      input.Body.AllowedTools,
			MaxEstimatedCost:  input.Body.MaxEstimatedCost,
			MaxCostPerHour:    input.Body.MaxCostPerHour,
			ActorID:           actorID,
		}
		m, err := e.CreateMission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"queued,running,blocked,needs_review,complete,failed,locked"`
		Class         string `query:"class" enum:"exploration,implementation,maintenance,destructive,continuous"`
		TriggerSource string `query:"trigger_source" enum:"manual,watchdog,scheduled"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []MissionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMissions(ctx, repo.MissionFilters{
			Status:        input.Status,
			Class:         input.Class,
			TriggerSource: input.TriggerSource,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissionResponse `json:"body"`
		}{Body: mapMissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		m, err := e.Repo.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission",
		Method:      http.MethodPatch,
		Path:        "/missions/{id}",
		Summary:     "Update mission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateMissionRequest `json:"body"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch := engine.MissionPatch{
			Name:              input.Body.Name,
			Description:       input.Body.Description,
			Status:            input.Body.Status,
			BlockedReason:     input.Body.BlockedReason,
			RiskLevel:         input.Body.RiskLevel,
			RequiredArtifacts: input.Body.RequiredArtifacts,
			AllowedTools:      input.Body.AllowedTools,
			MaxEstimatedCost:  input.Body.MaxEstimatedCost,
			MaxCostPerHour:    input.Body.MaxCostPerHour,
		}
		m, err := e.UpdateMission(ctx, input.ID, patch, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/complete",
		Summary:     "Complete mission",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status := domain.MissionComplete
		m, err := e.UpdateMission(ctx, input.ID, engine.MissionPatch{Status: &status}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionResponse `json:"body"`
		}{Body: missionResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "authorize-execution",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/authorize",
		Summary:     "Authorize an execution against the mission's safety envelope",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body AuthorizeRequest `json:"body"`
	}) (*struct {
		Body AuthorizeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := engine.ExecutionRequest{
			Tool:          input.Body.Tool,
			EstimatedCost: input.Body.EstimatedCost,
			CostPerHour:   input.Body.CostPerHour,
			Immediate:     input.Body.Immediate,
		}
		if err := e.AuthorizeExecution(ctx, input.ID, req, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuthorizeResponse `json:"body"`
		}{Body: AuthorizeResponse{Granted: true}}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-signal",
		Method:        http.MethodPost,
		Path:          "/signals",
		Summary:       "Ingest a watchdog signal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SignalRequest `json:"body"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sig := domain.Signal{
			Source:        input.Body.Source,
			Metric:        input.Body.Metric,
			Value:         input.Body.Value,
			PreviousValue: input.Body.PreviousValue,
			Delta:         input.Body.Delta,
			Threshold:     input.Body.Threshold,
			Window:        input.Body.Window,
			Triggered:     input.Body.Triggered,
		}
		res, err := e.CreateMissionFromSignal(ctx, sig, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: SignalResponse{
			Mission:      missionResponse(res.Mission),
			Deduplicated: res.Deduplicated,
		}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := engine.TaskCreateOptions{
			MissionID:         input.MissionID,
			Title:             input.Body.Title,
			Description:       stringOrEmpty(input.Body.Description),
			Type:              stringOrEmpty(input.Body.Type),
			DependsOn:         input.Body.DependsOn,
			RequiredArtifacts: input.Body.RequiredArtifacts,
			AgentID:           stringOrEmpty(input.Body.AgentID),
			ActorID:           actorID,
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/tasks",
		Summary:     "List mission tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMissionTasks(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskUpdateOptions{
			ID:      input.ID,
			Status:  stringOrEmpty(input.Body.Status),
			AgentID: input.Body.AgentID,
			ActorID: actorID,
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-artifact",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/artifacts",
		Summary:       "Create artifact",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string                `path:"mission_id"`
		Body      CreateArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ArtifactCreateOptions{
			MissionID:  input.MissionID,
			TaskID:     stringOrEmpty(input.Body.TaskID),
			Type:       input.Body.Type,
			Label:      stringOrEmpty(input.Body.Label),
			Payload:    input.Body.Payload,
			Files:      input.Body.Files,
			Producer:   input.Body.Producer,
			AgentID:    stringOrEmpty(input.Body.AgentID),
			Worktree:   stringOrEmpty(input.Body.Worktree),
			CommitHash: stringOrEmpty(input.Body.CommitHash),
			ActorID:    actorID,
		}
		a, err := e.CreateArtifact(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/artifacts",
		Summary:     "List mission artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
		Type      string `query:"type"`
		TaskID    string `query:"task_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{
			MissionID: input.MissionID,
			Type:      input.Type,
			TaskID:    input.TaskID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}",
		Summary:     "Get artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetArtifact(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-artifact-entry",
		Method:        http.MethodPost,
		Path:          "/artifacts/{id}/entries",
		Summary:       "Append an entry to an append-only artifact",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AppendEntryRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AppendArtifactEntry(ctx, input.ID, input.Body.Payload, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})
}

func registerBreakers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-breaker",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/breaker",
		Summary:     "Get circuit breaker state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body BreakerResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		b, err := e.Repo.GetBreaker(ctx, input.MissionID)
		if errors.Is(err, repo.ErrNotFound) {
			b = domain.CircuitBreakerState{MissionID: input.MissionID}
		} else if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BreakerResponse `json:"body"`
		}{Body: breakerResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-failure",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/breaker/failures",
		Summary:     "Record a failure against the mission's breaker",
		Errors: []int{
			http.StatusNotFound,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      RecordCounterRequest `json:"body"`
	}) (*struct {
		Body BreakerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.RecordFailure(ctx, input.MissionID, input.Body.Cause, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BreakerResponse `json:"body"`
		}{Body: breakerResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-immediate-exec",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/breaker/immediate-execs",
		Summary:     "Record an immediate execution against the mission's breaker",
		Errors: []int{
			http.StatusNotFound,
			http.StatusLocked,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      RecordCounterRequest `json:"body"`
	}) (*struct {
		Body BreakerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.RecordImmediateExec(ctx, input.MissionID, input.Body.Cause, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BreakerResponse `json:"body"`
		}{Body: breakerResponse(b)}, nil
	})
}

func registerSnapshots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-snapshot",
		Method:        http.MethodPost,
		Path:          "/snapshots",
		Summary:       "Snapshot full engine state",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateSnapshotRequest `json:"body"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "manual"
		}
		snap, err := e.CreateSnapshot(ctx, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snapshotResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-snapshots",
		Method:      http.MethodGet,
		Path:        "/snapshots",
		Summary:     "List snapshots",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []SnapshotResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSnapshots(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]SnapshotResponse, 0, len(items))
		for _, s := range items {
			res = append(res, snapshotResponse(s))
		}
		return &struct {
			Body []SnapshotResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MissionID  string `query:"mission_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"mission,task,artifact,circuit_breaker,snapshot"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		if input.Cursor != "" {
			cursor, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			items, err := e.Repo.EventsAfter(ctx, limit, cursor, input.MissionID)
			if err != nil {
				return nil, handleError(err)
			}
			resp := paginatedEvents{Items: []EventResponse{}}
			for _, evt := range items {
				resp.Items = append(resp.Items, eventResponse(evt))
			}
			if len(items) == limit {
				resp.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
			}
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.MissionID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
