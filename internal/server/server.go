package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"siteforge/internal/config"
	"siteforge/internal/ledger"
	"siteforge/internal/repo"
	"siteforge/internal/supervisor"
)

// Config for the HTTP API handler.
type Config struct {
	Supervisor *supervisor.Supervisor
	Ledger     *ledger.Ledger
	Service    *config.Config
	Log        *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"project_busy"`
	Message string         `json:"message" example:"a build is already in progress for this project"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the siteforge API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	basePath := cfg.Service.Server.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	auth := AuthConfig{JWTSecret: cfg.Service.Auth.JWTSecret, DevLogin: cfg.Service.Auth.DevLogin}

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
	router.Use(newAuthMiddleware(basePath, auth))
	hcfg := huma.DefaultConfig("Siteforge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBuilds(group, cfg, basePath)
	registerCredits(group, cfg)
	registerDevAuth(group, cfg, auth)
	registerStream(router, cfg, basePath)

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

// handleError maps domain errors onto the wire taxonomy: admission errors
// surface synchronously here; execution errors never reach this path because
// they resolve into terminal job states instead.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, errUnauthorized):
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return newAPIError(http.StatusPaymentRequired, "insufficient_credits", err.Error(), nil)
	case errors.Is(err, supervisor.ErrProjectBusy):
		return newAPIError(http.StatusConflict, "project_busy", err.Error(), nil)
	case errors.Is(err, supervisor.ErrJobNotActive):
		return newAPIError(http.StatusConflict, "job_not_active", err.Error(), nil)
	case errors.Is(err, ledger.ErrReservationClosed):
		return newAPIError(http.StatusConflict, "reservation_closed", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(msg, "required") || strings.Contains(msg, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusPaymentRequired:
		return "insufficient_credits"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerBuilds(api huma.API, cfg Config, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-build",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/build",
		Summary:       "Start a build",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      StartBuildRequest
	}) (*struct {
		Body StartBuildResponse
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := cfg.Supervisor.StartBuild(ctx, supervisor.StartRequest{
			ProjectID:   input.ProjectID,
			UserID:      p.UserID,
			Prompt:      input.Body.Prompt,
			InputAssets: input.Body.InputAssets,
			WithBackend: input.Body.WithBackend,
			WithImages:  input.Body.WithImages,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartBuildResponse
		}{Body: StartBuildResponse{
			JobID:         job.ID,
			EstimatedCost: job.EstimatedCost,
			StreamPath:    basePath + "/ws/build/" + job.ProjectID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-build-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/build",
		Summary:     "Latest build snapshot for a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body JobSnapshotResponse
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, handleError(err)
		}
		job, seq, err := cfg.Supervisor.LatestSnapshot(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobSnapshotResponse
		}{Body: JobSnapshotResponse{Job: job, Seq: seq}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-build-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/builds",
		Summary:     "Recent builds for a project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"20" minimum:"1" maximum:"100"`
	}) (*struct {
		Body JobListResponse
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, handleError(err)
		}
		jobs, err := cfg.Supervisor.Repo.ListJobs(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse
		}{Body: JobListResponse{Jobs: jobs, Limit: input.Limit}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-status",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Build job snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobSnapshotResponse
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, handleError(err)
		}
		job, seq, err := cfg.Supervisor.Snapshot(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobSnapshotResponse
		}{Body: JobSnapshotResponse{Job: job, Seq: seq}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel a queued or running build",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Supervisor.Cancel(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "cancelling"}}, nil
	})
}

func registerCredits(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "credit-balance",
		Method:      http.MethodGet,
		Path:        "/credits/balance",
		Summary:     "Current credit balance",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BalanceResponse
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		balance, err := cfg.Ledger.Balance(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse
		}{Body: BalanceResponse{UserID: p.UserID, Balance: balance}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-history",
		Method:      http.MethodGet,
		Path:        "/credits/history",
		Summary:     "Paginated credit transaction export",
	}, func(ctx context.Context, input *struct {
		Limit  int `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Offset int `query:"offset" default:"0" minimum:"0"`
	}) (*struct {
		Body HistoryResponse
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		balance, err := cfg.Ledger.Balance(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		txs, err := cfg.Ledger.History(ctx, p.UserID, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse
		}{Body: HistoryResponse{Balance: balance, Transactions: txs, Limit: input.Limit, Offset: input.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "credit-add",
		Method:        http.MethodPost,
		Path:          "/credits/add",
		Summary:       "Add credits",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddCreditsRequest
	}) (*struct {
		Body BalanceResponse
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := cfg.Ledger.Purchase(ctx, p.UserID, input.Body.Amount, input.Body.Note); err != nil {
			return nil, handleError(err)
		}
		balance, err := cfg.Ledger.Balance(ctx, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse
		}{Body: BalanceResponse{UserID: p.UserID, Balance: balance}}, nil
	})
}

func registerDevAuth(api huma.API, cfg Config, auth AuthConfig) {
	if !auth.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*struct {
		Body DevLoginResponse
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		// First sight of a user creates the account with the signup grant.
		if err := cfg.Ledger.EnsureUser(ctx, input.Body.UserID, cfg.Service.Credits.SignupGrant); err != nil {
			return nil, handleError(err)
		}
		token, err := MintToken(auth.JWTSecret, input.Body.UserID, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DevLoginResponse
		}{Body: DevLoginResponse{Token: token, UserID: input.Body.UserID}}, nil
	})
}
