package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kravflyt/internal/domain"
	"kravflyt/internal/engine"
	"kravflyt/internal/engine/auth"
	"kravflyt/internal/forsering"
	"kravflyt/internal/repo"
	"kravflyt/internal/verdict"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// Metrics defaults to a fresh registry.
	Metrics *Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid frist transition draft -> responded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"track\":\"frist\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the kravflyt API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request schema failures are client errors, not domain rejections.
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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(metrics.middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Kravflyt API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, metrics: metrics}
	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, h)
	registerEvents(group, h)
	registerAnalysis(group, h)
	registerVerdict(group, h)
	registerOpenAPI(router, api, basePath)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	return router, nil
}

type handlers struct {
	engine  engine.Engine
	metrics *Metrics
}

func (h handlers) now(raw string) (time.Time, error) {
	if raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, &verdict.ValidationError{Field: "now", Reason: "must be RFC3339"}
		}
		return t, nil
	}
	if h.engine.Now != nil {
		return h.engine.Now(), nil
	}
	return time.Now(), nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
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
		return newAPIError(http.StatusForbidden, "role_not_allowed", err.Error(), map[string]any{
			"role":       fe.Role,
			"event_type": fe.EventType,
			"required":   fe.Required,
		})
	}
	if errors.Is(err, engine.ErrRoleNotAllowed) {
		return newAPIError(http.StatusForbidden, "role_not_allowed", err.Error(), nil)
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"track": te.Track,
			"from":  te.From,
			"to":    te.To,
		})
	}
	var ve *verdict.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func errorCode(err error) string {
	if ae, ok := handleError(err).(*apiError); ok {
		return ae.Body.Code
	}
	return "internal_error"
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	var (
		once sync.Once
		doc  []byte
	)
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
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
	healthPath := path.Join(basePath, "health")
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
<html lang="nb">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Kravflyt API</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCases(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := h.engine.CreateCase(ctx, engine.CaseCreateOptions{
			ID:             input.Body.ID,
			Type:           domain.CaseType(input.Body.CaseType),
			Title:          input.Body.Title,
			RelatedCaseIDs: input.Body.RelatedCaseIDs,
			ActorID:        p.ActorID,
			Role:           p.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"case_type" enum:"standard,forsering,endringsordre"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := h.engine.ListCases(ctx, repo.CaseFilters{
			Type:            domain.CaseType(input.Type),
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = nonNilCases(items)
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case with its projected state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseDetailResponse `json:"body"`
	}, error) {
		c, err := h.engine.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		state, err := h.engine.State(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := h.engine.EventCounts(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseDetailResponse `json:"body"`
		}{Body: CaseDetailResponse{Case: c, State: state, EventCounts: eventCounts(counts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-case",
		Method:        http.MethodDelete,
		Path:          "/cases/{case_id}",
		Summary:       "Delete case",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct{}, error) {
		if err := h.engine.DeleteCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/events",
		Summary:     "List a case's events in sequence order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor" doc:"Sequence number to continue after"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := h.engine.EventsAfter(ctx, input.CaseID, after)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
			items = items[:limit]
		}
		resp.Items = eventResponses(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-event",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/events",
		Summary:       "Append an event and return the projected state",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string             `path:"case_id"`
		Body   AppendEventRequest `json:"body"`
	}) (*struct {
		Body AppendEventResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		var payload json.RawMessage
		if input.Body.Payload != nil {
			data, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
			}
			payload = data
		}
		opts := engine.AppendOptions{
			CaseID:  input.CaseID,
			Type:    domain.EventType(input.Body.Type),
			ActorID: p.ActorID,
			Role:    p.Role,
			Payload: payload,
		}
		if input.Body.Timestamp != nil {
			opts.Timestamp = *input.Body.Timestamp
		}
		res, err := h.engine.Append(ctx, opts)
		h.metrics.observeAppend(input.Body.Type, err)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AppendEventResponse `json:"body"`
		}{Body: AppendEventResponse{Event: eventResponse(res.Event), State: res.State}}, nil
	})
}

func registerAnalysis(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "assess-preclusion",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/preclusion",
		Summary:     "Assess notice deadlines for each track",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Now    string `query:"now" doc:"RFC3339 instant to measure at; defaults to the server clock"`
	}) (*struct {
		Body PreclusionResponse `json:"body"`
	}, error) {
		now, err := h.now(input.Now)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.AssessNotices(ctx, input.CaseID, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreclusionResponse `json:"body"`
		}{Body: PreclusionResponse{CaseID: input.CaseID, Now: now, Assessments: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compare-track",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/tracks/{track}/comparison",
		Summary:     "Principal versus subsidiary positions on a track",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Track  string `path:"track"`
	}) (*struct {
		Body ComparisonResponse `json:"body"`
	}, error) {
		rows, err := h.engine.CompareTrack(ctx, input.CaseID, domain.TrackKind(input.Track))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComparisonResponse `json:"body"`
		}{Body: ComparisonResponse{CaseID: input.CaseID, Track: input.Track, Rows: rows}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "forsering-status",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/forsering",
		Summary:     "Cost card of a forsering case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body forsering.Summary `json:"body"`
	}, error) {
		summary, err := h.engine.ForseringStatus(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body forsering.Summary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerVerdict(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "verdict-options",
		Method:      http.MethodPost,
		Path:        "/verdict/options",
		Summary:     "Answers BH may give on a track",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body VerdictRequest `json:"body"`
	}) (*struct {
		Body VerdictOptionsResponse `json:"body"`
	}, error) {
		track := domain.TrackKind(input.Body.Track)
		var opts []verdict.Option
		if input.Body.CaseID != "" {
			now, err := h.now(input.Body.Now)
			if err != nil {
				return nil, handleError(err)
			}
			opts, err = h.engine.VerdictOptions(ctx, input.Body.CaseID, track, now)
			if err != nil {
				return nil, handleError(err)
			}
		} else {
			if !track.Valid() {
				return nil, handleError(&verdict.ValidationError{Field: "track", Reason: fmt.Sprintf("unknown track %q", track)})
			}
			opts = verdict.Options(verdict.OptionsConfig{
				Track:      track,
				Category:   domain.Category(input.Body.Category),
				LateNotice: input.Body.LateNotice,
			})
		}
		return &struct {
			Body VerdictOptionsResponse `json:"body"`
		}{Body: VerdictOptionsResponse{Track: input.Body.Track, Options: opts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verdict-consequence",
		Method:      http.MethodPost,
		Path:        "/verdict/consequence",
		Summary:     "Describe the effect of a proposed answer",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body VerdictRequest `json:"body"`
	}) (*struct {
		Body verdict.Result `json:"body"`
	}, error) {
		track := domain.TrackKind(input.Body.Track)
		result := domain.Result(input.Body.Resultat)
		var (
			res verdict.Result
			err error
		)
		if input.Body.CaseID != "" {
			now, nowErr := h.now(input.Body.Now)
			if nowErr != nil {
				return nil, handleError(nowErr)
			}
			res, err = h.engine.VerdictConsequence(ctx, input.Body.CaseID, track, result, now)
		} else {
			res, err = verdict.Consequence(verdict.Input{
				Track:              track,
				Result:             result,
				Category:           domain.Category(input.Body.Category),
				LateNotice:         input.Body.LateNotice,
				PreclusionCritical: input.Body.PreclusionCritical,
				Reversal:           input.Body.Snuoperasjon,
				SubsidiaryTracks:   input.Body.subsidiaryTracks(),
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body verdict.Result `json:"body"`
		}{Body: res}, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
