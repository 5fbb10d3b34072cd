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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caliber/internal/domain"
	"caliber/internal/engine"
	"caliber/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"max_items_reached"`
	Message string         `json:"message" example:"max items reached"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caliber API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Caliber API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAssessments(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	switch {
	case errors.Is(err, engine.ErrAssessmentFinished):
		return newAPIError(http.StatusConflict, "assessment_finished", err.Error(), nil)
	case errors.Is(err, engine.ErrMaxItemsReached):
		return newAPIError(http.StatusConflict, "max_items_reached", err.Error(), map[string]any{"stop_reason": domain.StopMaxItems})
	case errors.Is(err, engine.ErrTimeExpired):
		return newAPIError(http.StatusConflict, "time_expired", err.Error(), map[string]any{"stop_reason": domain.StopTime})
	case errors.Is(err, engine.ErrDuplicateSubmission):
		return newAPIError(http.StatusConflict, "duplicate_submission", err.Error(), nil)
	case errors.Is(err, engine.ErrBankExhausted):
		return newAPIError(http.StatusConflict, "bank_exhausted", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "oracle"), strings.Contains(lowered, "grading"):
		return newAPIError(http.StatusBadGateway, "oracle_error", msg, nil)
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
    <title>Caliber API Docs</title>
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
      Authenticate with X-Api-Key (admin) or Authorization: Bearer &lt;session token&gt; (candidate).
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

func registerAssessments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assessment",
		Method:        http.MethodPost,
		Path:          "/assessments",
		Summary:       "Create assessment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAssessmentRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AssessmentCreateOptions{
			ID:            stringOrEmpty(input.Body.ID),
			JobID:         stringOrEmpty(input.Body.JobID),
			CandidateName: stringOrEmpty(input.Body.CandidateName),
			ActorID:       actorID,
		}
		if input.Body.MaxItems != nil {
			opts.MaxItems = *input.Body.MaxItems
		}
		if input.Body.DurationMinutes != nil {
			opts.DurationMinutes = *input.Body.DurationMinutes
		}
		a, err := e.CreateAssessment(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assessments",
		Method:      http.MethodGet,
		Path:        "/assessments",
		Summary:     "List assessments",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		JobID string `query:"job_id"`
	}) (*struct {
		Body []AssessmentResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAssessments(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssessmentResponse `json:"body"`
		}{Body: mapAssessments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assessment",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}",
		Summary:     "Get assessment",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if authErr := requireAssessmentAccess(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAssessment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assessment-progress",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}/progress",
		Summary:     "Assessment progress",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if authErr := requireAssessmentAccess(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAssessment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		count, err := e.Repo.CountItemEvents(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		p := e.Progress(a, count)
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse{
			TimeRemainingSeconds: p.TimeRemainingSeconds,
			ItemNumber:           p.ItemNumber,
			MaxItems:             p.MaxItems,
			ItemRatio:            p.ItemRatio,
			Step:                 string(a.Step),
			Finished:             a.Finished(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-assessment",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/finish",
		Summary:     "Finish assessment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body FinishAssessmentRequest `json:"body"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.FinishAssessment(ctx, input.ID, stringOrEmpty(input.Body.Reason), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assessment-report",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}/report",
		Summary:     "Assessment report",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		r, err := e.Report(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(r)}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-answer",
		Method:        http.MethodPost,
		Path:          "/assessments/{id}/items",
		Summary:       "Submit answer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SubmitAnswerRequest `json:"body"`
	}) (*struct {
		Body ItemEventResponse `json:"body"`
	}, error) {
		if authErr := requireAssessmentAccess(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		signals := make([]domain.IntegrityEvent, 0, len(input.Body.Signals))
		for _, s := range input.Body.Signals {
			signals = append(signals, domain.IntegrityEvent{
				Type:     s.Type,
				TS:       stringOrEmpty(s.TS),
				Metadata: s.Metadata,
			})
		}
		ev, err := e.SubmitAnswer(ctx, engine.SubmitOptions{
			AssessmentID: input.ID,
			ItemID:       input.Body.ItemID,
			AnswerText:   input.Body.AnswerText,
			QuestionText: stringOrEmpty(input.Body.QuestionText),
			Signals:      signals,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := itemEventResponse(ev)
		// Grading runs after the submission committed, so an oracle outage
		// never loses the answer. The item stays ungraded and retryable.
		outcome, gerr := e.GradeItem(ctx, ev.ID, actorID)
		if gerr != nil {
			resp.GradePending = true
			resp.GradeError = gerr.Error()
		} else {
			resp.Score = gradeScoreResponse(&outcome)
		}
		return &struct {
			Body ItemEventResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grade-item",
		Method:      http.MethodPost,
		Path:        "/assessments/{id}/items/{item_id}/grade",
		Summary:     "Grade a submitted item",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		ItemID string `path:"item_id"`
	}) (*struct {
		Body ItemEventResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := e.Repo.GetItemEventByItem(ctx, input.ID, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.GradeItem(ctx, ev.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		graded, err := e.Repo.GetItemEvent(ctx, ev.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemEventResponse `json:"body"`
		}{Body: itemEventResponse(graded)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-question",
		Method:      http.MethodGet,
		Path:        "/assessments/{id}/next",
		Summary:     "Next question",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body QuestionResponse `json:"body"`
	}, error) {
		if authErr := requireAssessmentAccess(ctx, input.ID); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.NextQuestion(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestionResponse `json:"body"`
		}{Body: questionResponse(q)}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-session",
		Method:        http.MethodPost,
		Path:          "/assessments/{id}/sessions",
		Summary:       "Issue candidate session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body IssueSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var ttl time.Duration
		if input.Body.TTLSeconds != nil {
			ttl = time.Duration(*input.Body.TTLSeconds) * time.Second
		}
		token, s, err := e.IssueSession(ctx, input.ID, actorID, ttl)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{
			Token:        token,
			SessionID:    s.ID,
			AssessmentID: s.AssessmentID,
			ExpiresAt:    s.ExpiresAt,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit        int    `query:"limit" default:"50"`
		AssessmentID string `query:"assessment_id"`
		Type         string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		events, err := e.Repo.LatestEvents(ctx, limit, input.AssessmentID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(events))
		for _, evt := range events {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}
