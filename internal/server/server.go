// Package server exposes the research dashboard API: store health, rate
// summaries, captcha and proxy analytics, and report exports.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"droptrace/internal/app"
	"droptrace/internal/domain"
	"droptrace/internal/metrics"
	"droptrace/internal/repo"
	"droptrace/internal/report"
	"droptrace/internal/store"
	"droptrace/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"account_busy"`
	Message string         `json:"message" example:"account already in use"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrIntegrity):
		return newAPIError(http.StatusUnprocessableEntity, "integrity_violation", err.Error(), nil)
	case errors.Is(err, tracker.ErrAccountBusy):
		return newAPIError(http.StatusConflict, "account_busy", err.Error(), nil)
	case errors.Is(err, tracker.ErrProtocol):
		return newAPIError(http.StatusConflict, "protocol_violation", err.Error(), nil)
	case errors.Is(err, store.ErrConnectivity):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

// New returns an HTTP handler exposing the droptrace dashboard API.
func New(cfg Config) http.Handler {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Droptrace API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.App)
	registerOverview(group, cfg.App)
	registerPlatformMetrics(group, cfg.App)
	registerReports(group, cfg.App)
	registerCaptcha(group, cfg.App)
	registerProxies(group, cfg.App)
	registerAccounts(group, cfg.App)
	registerMaterialize(group, cfg.App)
	registerReconcile(group, cfg.App)

	return router
}

// windowQuery is the shared since/until pair; zero values mean the last
// seven days.
type windowQuery struct {
	Since time.Time `query:"since" required:"false"`
	Until time.Time `query:"until" required:"false"`
}

func (q windowQuery) window(now time.Time) report.Window {
	w := report.Window{Since: q.Since, Until: q.Until}
	if w.Until.IsZero() {
		w.Until = now
	}
	if w.Since.IsZero() {
		w.Since = w.Until.Add(-7 * 24 * time.Hour)
	}
	return w
}

type healthBody struct {
	Status       string `json:"status" enum:"ok,degraded"`
	PrimaryStore bool   `json:"primary_store"`
	PendingSync  int    `json:"pending_sync"`
}

func registerHealth(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Store health and sync backlog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		healthy := a.Gateway.Healthy(ctx)
		pending, err := a.Gateway.PendingCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		status := "ok"
		if !healthy {
			status = "degraded"
		}
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: status, PrimaryStore: healthy, PendingSync: pending}}, nil
	})
}

type overviewBody struct {
	Window    report.Window              `json:"window"`
	Platforms map[string]metrics.Summary `json:"platforms"`
}

func registerOverview(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "overview",
		Method:      http.MethodGet,
		Path:        "/overview",
		Summary:     "Per-platform summary over a window",
	}, func(ctx context.Context, input *windowQuery) (*struct {
		Body overviewBody `json:"body"`
	}, error) {
		w := input.window(time.Now().UTC())
		out := overviewBody{Window: w, Platforms: map[string]metrics.Summary{}}
		for _, p := range a.Config.Platforms {
			sum, err := a.Metrics.Summarize(ctx, repo.RunFilter{Platform: p, Since: w.Since, Until: w.Until})
			if err != nil {
				return nil, handleError(err)
			}
			out.Platforms[p] = sum
		}
		return &struct {
			Body overviewBody `json:"body"`
		}{Body: out}, nil
	})
}

func registerPlatformMetrics(api huma.API, a *app.App) {
	type input struct {
		Platform string `path:"platform"`
		BotType  string `query:"bot_type" required:"false"`
		windowQuery
	}
	huma.Register(api, huma.Operation{
		OperationID: "platform-metrics",
		Method:      http.MethodGet,
		Path:        "/platforms/{platform}/metrics",
		Summary:     "Rate summary for one platform",
	}, func(ctx context.Context, in *input) (*struct {
		Body metrics.Summary `json:"body"`
	}, error) {
		w := in.window(time.Now().UTC())
		sum, err := a.Metrics.Summarize(ctx, repo.RunFilter{
			Platform: in.Platform, BotType: in.BotType, Since: w.Since, Until: w.Until,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body metrics.Summary `json:"body"`
		}{Body: sum}, nil
	})
}

func registerReports(api huma.API, a *app.App) {
	type platformInput struct {
		Platform string `path:"platform"`
		windowQuery
	}
	huma.Register(api, huma.Operation{
		OperationID: "platform-report",
		Method:      http.MethodGet,
		Path:        "/platforms/{platform}/report",
		Summary:     "Full report for one platform",
	}, func(ctx context.Context, in *platformInput) (*struct {
		Body report.PlatformReport `json:"body"`
	}, error) {
		rep, err := a.Reports.Platform(ctx, in.Platform, in.window(time.Now().UTC()))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.PlatformReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "comparative-report",
		Method:      http.MethodGet,
		Path:        "/reports/comparative",
		Summary:     "Rank platforms against each other",
	}, func(ctx context.Context, in *windowQuery) (*struct {
		Body report.ComparativeReport `json:"body"`
	}, error) {
		rep, err := a.Reports.Comparative(ctx, a.Config.Platforms, in.window(time.Now().UTC()))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.ComparativeReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "defense-report",
		Method:      http.MethodGet,
		Path:        "/reports/defense",
		Summary:     "Defense effectiveness per platform",
	}, func(ctx context.Context, in *windowQuery) (*struct {
		Body report.DefenseReport `json:"body"`
	}, error) {
		rep, err := a.Reports.DefenseEffectiveness(ctx, a.Config.Platforms, in.window(time.Now().UTC()))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.DefenseReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerCaptcha(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "captcha-analytics",
		Method:      http.MethodGet,
		Path:        "/captcha",
		Summary:     "Bot type comparison and captcha solver economics",
	}, func(ctx context.Context, in *windowQuery) (*struct {
		Body report.AttackVectorReport `json:"body"`
	}, error) {
		rep, err := a.Reports.AttackVectors(ctx, in.window(time.Now().UTC()))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.AttackVectorReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerProxies(api huma.API, a *app.App) {
	type input struct {
		Platform string `query:"platform" required:"false"`
	}
	type body struct {
		Proxies  []domain.ProxyRecord `json:"proxies"`
		Degraded bool                 `json:"degraded,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "proxy-stats",
		Method:      http.MethodGet,
		Path:        "/proxies",
		Summary:     "Proxy performance records",
	}, func(ctx context.Context, in *input) (*struct {
		Body body `json:"body"`
	}, error) {
		proxies, degraded, err := a.Repo.ListProxyRecords(ctx, in.Platform)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body body `json:"body"`
		}{Body: body{Proxies: proxies, Degraded: degraded}}, nil
	})
}

func registerAccounts(api huma.API, a *app.App) {
	type listInput struct {
		Platform string `query:"platform" required:"false"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
	}, func(ctx context.Context, in *listInput) (*struct {
		Body []domain.Account `json:"body"`
	}, error) {
		accounts, err := a.Repo.ListAccounts(ctx, in.Platform)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Account `json:"body"`
		}{Body: accounts}, nil
	})

	type createInput struct {
		Body struct {
			Platform string `json:"platform" minLength:"1"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Register a research account",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *createInput) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		account, err := a.Repo.InsertAccount(ctx, domain.Account{Platform: in.Body.Platform})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: account}, nil
	})
}

func registerMaterialize(api huma.API, a *app.App) {
	type input struct {
		Body struct {
			Platform string `json:"platform" minLength:"1"`
			BotType  string `json:"bot_type,omitempty"`
			Date     string `json:"date,omitempty" format:"date"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "materialize-metrics",
		Method:      http.MethodPost,
		Path:        "/metrics/materialize",
		Summary:     "Recompute and store a daily analytics snapshot",
	}, func(ctx context.Context, in *input) (*struct {
		Body domain.AnalyticsMetric `json:"body"`
	}, error) {
		day := time.Now().UTC()
		if in.Body.Date != "" {
			parsed, err := time.Parse("2006-01-02", in.Body.Date)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid date, want YYYY-MM-DD", nil)
			}
			day = parsed
		}
		m, err := a.Metrics.Materialize(ctx, in.Body.Platform, in.Body.BotType, day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AnalyticsMetric `json:"body"`
		}{Body: m}, nil
	})
}

func registerReconcile(api huma.API, a *app.App) {
	type reconcileBody struct {
		Synced  int `json:"synced"`
		Pending int `json:"pending"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Replay fallback records into the primary store now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body reconcileBody `json:"body"`
	}, error) {
		synced, err := a.Gateway.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := a.Gateway.PendingCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body reconcileBody `json:"body"`
		}{Body: reconcileBody{Synced: synced, Pending: pending}}, nil
	})
}
