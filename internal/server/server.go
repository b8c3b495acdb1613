package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"runselect/internal/app"
	"runselect/internal/config"
	"runselect/internal/criteria"
	"runselect/internal/dq"
	"runselect/internal/logging"
	"runselect/internal/report"
	"runselect/internal/repo"
)

// Permissions checked by the API.
const (
	PermVerdictsRead   = "verdicts.read"
	PermRunsEvaluate   = "runs.evaluate"
	PermDocumentsWrite = "documents.write"
)

// Config for the HTTP API handler.
type Config struct {
	Service  app.Service
	Config   *config.Config
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_check_record"`
	Message string         `json:"message" example:"dqrunproc: missing field mc_flag"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"processor\":\"dqrunproc\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyBytesKey struct{}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func errBodyRequired() huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", "request body required", nil)
}

type apiServer struct {
	svc app.Service
	cfg *config.Config
	log *slog.Logger
}

// New returns an HTTP handler exposing the run selection API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Service.Engine.Catalog == nil {
		return nil, errors.New("server: service has no criteria catalog")
	}
	a := &apiServer{svc: cfg.Service, cfg: cfg.Config, log: cfg.Log}
	if a.cfg == nil {
		a.cfg = config.Default()
	}
	if a.log == nil {
		a.log = logging.New("server")
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation failures are client errors, not check-record errors
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
			raw, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(raw))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, raw)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, a.cfg, cfg.Service.Repo))
	hcfg := huma.DefaultConfig("Run Selection API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	registerDocs(router, basePath)
	registerHealth(group, a)
	registerMe(group)
	registerCatalog(group, a)
	registerEvaluate(group, a)
	registerRuns(group, a)
	registerStats(group, a)
	registerEvents(group, a)
	registerOpenAPI(router, humaAPI, basePath)

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

func (a *apiServer) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var mf dq.MissingFieldError
	if errors.As(err, &mf) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_check_record", err.Error(),
			map[string]any{"processor": string(mf.Processor), "field": mf.Field})
	}
	var inv dq.InvalidFieldError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_check_record", err.Error(),
			map[string]any{"processor": string(inv.Processor), "field": inv.Field, "reason": inv.Reason})
	}
	var be criteria.BoundaryError
	if errors.As(err, &be) {
		a.log.Error("no revision covers run", "run", be.Run, "processor", be.Processor, "track", be.Track)
		return newAPIError(http.StatusInternalServerError, "unknown_revision_boundary", err.Error(),
			map[string]any{"processor": string(be.Processor), "track": string(be.Track), "run": be.Run})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	a.log.Error("request failed", "error", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
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

func requirePermission(ctx context.Context, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if !hasPermission(principal.Permissions, perm) {
		return Principal{}, newAPIError(http.StatusForbidden, "forbidden",
			fmt.Sprintf("%s lacks permission %s", principal.ActorID, perm), map[string]any{"permission": perm})
	}
	return principal, nil
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Run Selection API Docs</title>
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

func registerHealth(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Thresholds: a.svc.ThresholdSet()}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

func registerCatalog(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Criteria revisions, boundary table and thresholds",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermVerdictsRead); err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: catalogResponse(a.svc.Engine.Catalog)}, nil
	})
}

func registerEvaluate(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate",
		Method:      http.MethodPost,
		Path:        "/evaluate",
		Summary:     "Evaluate an inline document; an omitted document is treated as absent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body EvaluateRequest `json:"body"`
	}) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermVerdictsRead); err != nil {
			return nil, a.handleError(err)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, errBodyRequired()
		}
		var rec *dq.CheckRecord
		if input.Body.Document != nil {
			var err error
			rec, err = input.Body.Document.record()
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		v, err := a.svc.Engine.EvaluateRun(rec, input.Body.Run)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: VerdictResponse{RunVerdict: v}}, nil
	})
}

type runPath struct {
	Run int `path:"run" minimum:"0"`
}

func registerRuns(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "put-run-document",
		Method:      http.MethodPut,
		Path:        "/runs/{run}/document",
		Summary:     "Store the DQ document of a run",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Run  int          `path:"run" minimum:"1"`
		Body DocumentBody `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, PermDocumentsWrite)
		if err != nil {
			return nil, a.handleError(err)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, errBodyRequired()
		}
		rec, err := input.Body.record()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		doc, err := a.svc.PutDocument(ctx, input.Run, input.Body.DocID, rec, principal.ActorID)
		if err != nil {
			return nil, a.handleError(err)
		}
		res, err := documentResponse(doc)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-document",
		Method:      http.MethodGet,
		Path:        "/runs/{run}/document",
		Summary:     "Fetch the stored DQ document of a run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermVerdictsRead); err != nil {
			return nil, a.handleError(err)
		}
		doc, err := a.svc.Repo.GetDocument(ctx, input.Run)
		if err != nil {
			return nil, a.handleError(err)
		}
		res, err := documentResponse(doc)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-verdict",
		Method:      http.MethodGet,
		Path:        "/runs/{run}/verdict",
		Summary:     "Evaluate the stored tables of a run; a missing document yields unavailable",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermVerdictsRead); err != nil {
			return nil, a.handleError(err)
		}
		out, err := a.svc.Evaluate(ctx, input.Run)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: VerdictResponse{RunVerdict: out.Verdict, LowLevel: &out.LowLevel}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run}/evaluations",
		Summary:     "Evaluate the stored tables of a run and record the result",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, PermRunsEvaluate)
		if err != nil {
			return nil, a.handleError(err)
		}
		out, err := a.svc.EvaluateStored(ctx, input.Run, principal.ActorID)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: VerdictResponse{RunVerdict: out.Verdict, LowLevel: &out.LowLevel, EvaluationID: out.Evaluation.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-evaluations",
		Method:      http.MethodGet,
		Path:        "/runs/{run}/evaluations",
		Summary:     "Recorded evaluations of a run, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Run   int `path:"run" minimum:"0"`
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body evaluationList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermVerdictsRead); err != nil {
			return nil, a.handleError(err)
		}
		evals, err := a.svc.Repo.ListEvaluations(ctx, input.Run, normalizeLimit(input.Limit))
		if err != nil {
			return nil, a.handleError(err)
		}
		resp := evaluationList{Items: []EvaluationResponse{}}
		for _, e := range evals {
			item, err := evaluationResponse(e)
			if err != nil {
				return nil, a.handleError(err)
			}
			resp.Items = append(resp.Items, item)
		}
		return &struct {
			Body evaluationList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerStats(api huma.API, a *apiServer) {
	type statsBody struct {
		First int           `json:"first"`
		Last  int           `json:"last"`
		Stats *report.Stats `json:"stats"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Verdict counts over the latest evaluation of each run",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		First int `query:"first" default:"0"`
		Last  int `query:"last" default:"2147483647"`
	}) (*struct {
		Body statsBody `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermVerdictsRead); err != nil {
			return nil, a.handleError(err)
		}
		if input.First > input.Last {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "first must not exceed last",
				map[string]any{"first": input.First, "last": input.Last})
		}
		st, err := a.svc.Stats(ctx, input.First, input.Last)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body statsBody `json:"body"`
		}{Body: statsBody{First: input.First, Last: input.Last, Stats: st}}, nil
	})
}

func registerEvents(api huma.API, a *apiServer) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermVerdictsRead); err != nil {
			return nil, a.handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.svc.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, a.handleError(err)
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
	})
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
