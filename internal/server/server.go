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
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
	"github.com/matthewcove-stack/intent-normaliser/internal/db"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/engine"
	"github.com/matthewcove-stack/intent-normaliser/internal/pipeline"
	"github.com/matthewcove-stack/intent-normaliser/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	RateLimit *RateLimiter
	Logger    *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"VALIDATION_ERROR"`
	Message string         `json:"message" example:"intent_type is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"intent_type\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the normaliser API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	if cfg.RateLimit != nil {
		router.Use(cfg.RateLimit.Middleware(basePath))
	}
	version := "dev"
	if cfg.Engine.Config != nil && cfg.Engine.Config.Service.Version != "" {
		version = cfg.Engine.Config.Service.Version
	}
	hcfg := huma.DefaultConfig("Intent Normaliser API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(api, cfg.Engine)
	registerVersion(api, cfg.Engine)
	registerIntents(group, cfg.Engine)
	registerClarifications(group, cfg.Engine)
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
	if ae, ok := apperr.As(err); ok {
		return newAPIError(ae.Code.HTTPStatus(), string(ae.Code), ae.Message, ae.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, string(apperr.CodeNotFound), err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, string(apperr.CodeServiceUnavailable), "request timed out", nil)
	}
	return newAPIError(http.StatusInternalServerError, string(apperr.CodeInternal), "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(apperr.CodeValidation)
	case http.StatusUnauthorized:
		return string(apperr.CodeUnauthorized)
	case http.StatusNotFound:
		return string(apperr.CodeNotFound)
	case http.StatusConflict:
		return string(apperr.CodeConflict)
	case http.StatusTooManyRequests:
		return string(apperr.CodeRateLimited)
	case http.StatusServiceUnavailable:
		return string(apperr.CodeServiceUnavailable)
	case http.StatusInternalServerError:
		return string(apperr.CodeInternal)
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
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
			applyAuthSecurity(oas, basePath)
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if !strings.HasPrefix(route, basePath+"/") {
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
    <title>Intent Normaliser API Docs</title>
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if e.DB == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "database unavailable", nil)
		}
		if err := db.Ping(ctx, e.DB); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "database unavailable", nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type versionBody struct {
	Version         string `json:"version"`
	GitSHA          string `json:"git_sha"`
	ArtifactVersion int    `json:"artifact_version"`
}

func registerVersion(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "version",
		Method:      http.MethodGet,
		Path:        "/version",
		Summary:     "Service version",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body versionBody `json:"body"`
	}, error) {
		var body versionBody
		if e.Config != nil {
			body = versionBody{
				Version:         e.Config.Service.Version,
				GitSHA:          e.Config.Service.GitSHA,
				ArtifactVersion: e.Config.Service.ArtifactVersion,
			}
		}
		return &struct {
			Body versionBody `json:"body"`
		}{Body: body}, nil
	})
}

// outcomeResponse carries the envelope plus the identifiers as headers.
type outcomeResponse struct {
	IntentID      string `header:"X-Intent-Id"`
	CorrelationID string `header:"X-Correlation-Id"`
	Body          engine.Outcome
}

func respondOutcome(out engine.Outcome) *outcomeResponse {
	return &outcomeResponse{IntentID: out.IntentID, CorrelationID: out.CorrelationID, Body: out}
}

func registerIntents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-intent",
		Method:      http.MethodPost,
		Path:        "/intents",
		Summary:     "Submit an intent packet",
		Description: "Normalises the packet into an execution-ready plan or pauses on a clarification. Resubmitting the same packet replays the stored outcome.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/json"`
	}) (*outcomeResponse, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Ingest(ctx, input.RawBody, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respondOutcome(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}",
		Summary:     "Get an intent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		in, err := e.GetIntent(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: intentResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intent-artifacts",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}/artifacts",
		Summary:     "List an intent's audit artifacts oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body ArtifactList `json:"body"`
	}, error) {
		items, err := e.ListArtifacts(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactList `json:"body"`
		}{Body: artifactList(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "latest-by-correlation",
		Method:      http.MethodGet,
		Path:        "/correlations/{correlation_id}/latest",
		Summary:     "Latest artifact across a correlation chain",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CorrelationID string `path:"correlation_id"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		art, err := e.LatestByCorrelation(ctx, input.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: art}, nil
	})
}

func registerClarifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-clarifications",
		Method:      http.MethodGet,
		Path:        "/clarifications",
		Summary:     "List clarifications",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" doc:"open, answered or expired"`
		ActorID  string `query:"actor_id"`
		IntentID string `query:"intent_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body ClarificationList `json:"body"`
	}, error) {
		switch domain.ClarificationStatus(input.Status) {
		case "", domain.ClarificationOpen, domain.ClarificationAnswered, domain.ClarificationExpired:
		default:
			return nil, newAPIError(http.StatusBadRequest, "", "invalid status", map[string]any{"field": "status"})
		}
		items, err := e.ListClarifications(ctx, repo.ClarificationFilter{
			Status:   input.Status,
			ActorID:  input.ActorID,
			IntentID: input.IntentID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClarificationList `json:"body"`
		}{Body: ClarificationList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-clarification",
		Method:      http.MethodGet,
		Path:        "/clarifications/{clarification_id}",
		Summary:     "Get a clarification",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ClarificationID string `path:"clarification_id"`
	}) (*struct {
		Body domain.Clarification `json:"body"`
	}, error) {
		c, err := e.GetClarification(ctx, input.ClarificationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Clarification `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-clarification",
		Method:      http.MethodPost,
		Path:        "/clarifications/{clarification_id}/answer",
		Summary:     "Answer a clarification and resume the intent",
		Description: "Repeating the same answer returns the original outcome; a different answer to a settled clarification is a conflict.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ClarificationID string `path:"clarification_id"`
		Body            AnswerRequest
	}) (*outcomeResponse, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.Answer(ctx, input.ClarificationID, pipeline.Answer{
			ChoiceID: input.Body.Answer.ChoiceID,
			Text:     input.Body.Answer.text(),
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respondOutcome(out), nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
