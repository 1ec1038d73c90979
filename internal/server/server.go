package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"impactrun/internal/domain"
	"impactrun/internal/engine"
	"impactrun/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"action must be in_progress to accept results"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ImpactRun API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the shared envelope.
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
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("ImpactRun API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLFAs(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerLevels(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerCorrectives(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, logger)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)))
		})
	}
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

// handleError maps engine and repo errors onto the HTTP envelope. All
// mapping is by error type; message contents are never inspected.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ise *engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"entity": ise.Entity,
			"status": ise.Current,
		})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Field != "" {
			details["field"] = ve.Field
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>ImpactRun API Docs</title>
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
		Body map[string]string
	}, error) {
		return &struct {
			Body map[string]string
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerLFAs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-lfa",
		Method:        http.MethodPost,
		Path:          "/lfas",
		Summary:       "Register an LFA",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateLFARequest
	}) (*struct {
		Body domain.LFA
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CreateLFA(ctx, input.Body.OrganizationID, input.Body.Name, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LFA
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lock-lfa",
		Method:      http.MethodPost,
		Path:        "/lfas/{lfa_id}/lock",
		Summary:     "Lock an LFA for execution",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		LFAID string `path:"lfa_id"`
	}) (*struct {
		Body domain.LFA
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.LockLFA(ctx, input.LFAID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LFA
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lfa",
		Method:      http.MethodGet,
		Path:        "/lfas/{lfa_id}",
		Summary:     "Get an LFA",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LFAID string `path:"lfa_id"`
	}) (*struct {
		Body domain.LFA
	}, error) {
		l, err := e.Repo.GetLFA(ctx, input.LFAID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LFA
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lfas",
		Method:      http.MethodGet,
		Path:        "/lfas",
		Summary:     "List LFAs",
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organization_id"`
	}) (*struct {
		Body []domain.LFA
	}, error) {
		items, err := e.Repo.ListLFAs(ctx, input.OrganizationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LFA
		}{Body: items}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Start an execution for a locked LFA",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateExecutionRequest
	}) (*struct {
		Body domain.Execution
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.LFAID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "lfa_id is required", nil)
		}
		exec, err := e.CreateExecution(ctx, input.Body.LFAID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organization_id"`
		Status         string `query:"status"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedExecutions
	}, error) {
		filters := repo.ExecutionFilters{
			OrganizationID: input.OrganizationID,
			Limit:          normalizeLimit(input.Limit),
		}
		if input.Status != "" {
			for _, s := range strings.Split(input.Status, ",") {
				filters.Statuses = append(filters.Statuses, domain.ExecutionStatus(strings.TrimSpace(s)))
			}
		}
		if input.Cursor != "" {
			createdAt, id, err := decodeCursor(input.Cursor)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.Repo.ListExecutions(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		total, err := e.Repo.CountExecutions(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		body := paginatedExecutions{Items: items, Total: total}
		if len(items) == filters.Limit && filters.Limit > 0 {
			last := items[len(items)-1]
			body.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedExecutions
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get an execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.Execution
	}, error) {
		exec, err := e.Repo.GetExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution
		}{Body: exec}, nil
	})

	type executionAction struct {
		name    string
		summary string
		call    func(ctx context.Context, id, actorID string) (domain.Execution, error)
	}
	for _, op := range []executionAction{
		{"pause", "Pause an execution", e.PauseExecution},
		{"resume", "Resume a paused execution", e.ResumeExecution},
		{"abandon", "Abandon an execution", e.AbandonExecution},
		{"check-complete", "Run the completion sweep", e.CheckAndComplete},
	} {
		call := op.call
		huma.Register(api, huma.Operation{
			OperationID: op.name + "-execution",
			Method:      http.MethodPost,
			Path:        "/executions/{execution_id}/" + op.name,
			Summary:     op.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ExecutionID string `path:"execution_id"`
		}) (*struct {
			Body domain.Execution
		}, error) {
			principal, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			exec, err := call(ctx, input.ExecutionID, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Execution
			}{Body: exec}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-execution-stats",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/stats",
		Summary:     "Recompute and return execution stats",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.Execution
	}, error) {
		exec, err := e.RecomputeStats(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-current-action",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/current-action",
		Summary:     "Resolve the execution's current action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body CurrentActionResponse
	}, error) {
		info, err := e.CurrentAction(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CurrentActionResponse
		}{Body: currentActionResponse(info)}, nil
	})
}

func registerLevels(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-levels",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/levels",
		Summary:     "List an execution's levels",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body []domain.ExecutionLevel
	}, error) {
		if _, err := e.Repo.GetExecution(ctx, input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListLevels(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExecutionLevel
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-level",
		Method:      http.MethodPost,
		Path:        "/levels/{level_id}/complete",
		Summary:     "Complete a level and open the next one",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		LevelID string `path:"level_id"`
	}) (*struct {
		Body domain.ExecutionLevel
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lvl, err := e.CompleteLevel(ctx, input.LevelID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionLevel
		}{Body: lvl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-level-actions",
		Method:      http.MethodGet,
		Path:        "/levels/{level_id}/actions",
		Summary:     "List a level's actions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LevelID string `path:"level_id"`
	}) (*struct {
		Body []domain.ExecutionAction
	}, error) {
		if _, err := e.Repo.GetLevel(ctx, input.LevelID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActionsByLevel(ctx, input.LevelID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExecutionAction
		}{Body: items}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get an action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.ExecutionAction
	}, error) {
		a, err := e.Repo.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionAction
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-results",
		Method:        http.MethodPost,
		Path:          "/actions/{action_id}/results",
		Summary:       "Submit a measurement for an action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ActionID string               `path:"action_id"`
		Body     SubmitResultsRequest
	}) (*struct {
		Body SubmitResultsResponse
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.SubmitResults(ctx, engine.SubmitResultsOptions{
			ActionID:  input.ActionID,
			Indicator: input.Body.Indicator,
			Baseline:  input.Body.Baseline,
			Current:   input.Body.Current,
			ActorID:   principal.ActorID,
			ActorName: principal.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResultsResponse
		}{Body: submitResultsResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-results",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/results",
		Summary:     "List an action's submitted results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body []domain.ActionResult
	}, error) {
		if _, err := e.Repo.GetAction(ctx, input.ActionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListResultsByAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionResult
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/validate",
		Summary:     "Validate a pending action and award XP",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.ExecutionAction
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ValidateAction(ctx, input.ActionID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionAction
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/reopen",
		Summary:     "Reopen an action to work its corrective attempt",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.ExecutionAction
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ReopenAction(ctx, input.ActionID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionAction
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-action-correctives",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/correctives",
		Summary:     "List an action's corrective attempts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body []domain.CorrectiveAction
	}, error) {
		if _, err := e.Repo.GetAction(ctx, input.ActionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCorrectivesByAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CorrectiveAction
		}{Body: items}, nil
	})
}

func registerCorrectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-corrective",
		Method:      http.MethodGet,
		Path:        "/correctives/{corrective_id}",
		Summary:     "Get a corrective attempt",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CorrectiveID string `path:"corrective_id"`
	}) (*struct {
		Body domain.CorrectiveAction
	}, error) {
		c, err := e.Repo.GetCorrective(ctx, input.CorrectiveID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CorrectiveAction
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-corrective",
		Method:      http.MethodPost,
		Path:        "/correctives/{corrective_id}/accept",
		Summary:     "Accept a pending corrective attempt",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CorrectiveID string `path:"corrective_id"`
	}) (*struct {
		Body domain.CorrectiveAction
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AcceptCorrective(ctx, input.CorrectiveID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CorrectiveAction
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-corrective",
		Method:      http.MethodPost,
		Path:        "/correctives/{corrective_id}/complete",
		Summary:     "Submit a corrective attempt's re-measurement",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CorrectiveID string                    `path:"corrective_id"`
		Body         CompleteCorrectiveRequest
	}) (*struct {
		Body CorrectiveOutcomeResponse
	}, error) {
		principal, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.CompleteCorrective(ctx, engine.CompleteCorrectiveOptions{
			CorrectiveID: input.CorrectiveID,
			Current:      input.Body.Current,
			ActorID:      principal.ActorID,
			ActorName:    principal.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CorrectiveOutcomeResponse
		}{Body: correctiveOutcomeResponse(out)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `query:"execution_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind"`
		EntityID    string `query:"entity_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event
	}, error) {
		items, err := e.Repo.LatestEventsFrom(ctx, normalizeLimit(input.Limit), input.Cursor,
			input.ExecutionID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyCreatedResponse
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw, key, err := NewAPIKey(ctx, e.Repo, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse
		}{Body: APIKeyCreatedResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       raw,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func encodeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func decodeCursor(cursor string) (createdAt, id string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("malformed cursor")
	}
	return parts[0], parts[1], nil
}
