package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meshgate.org/internal/auth"
	"meshgate.org/internal/mapping"
	"meshgate.org/internal/obs"
	"meshgate.org/internal/provision"
	"meshgate.org/internal/route"
)

const serviceName = "meshgate"

// TokenVerifier authenticates and revokes bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.VerifiedUser, error)
	Refresh(ctx context.Context, token string) (string, error)
	Revoke(ctx context.Context, accessToken, refreshToken string) auth.RevokeResult
}

// PathResolver maps logical organization paths to backend paths.
type PathResolver interface {
	ResolveBackendPath(ctx context.Context, logicalPath, orgID string, family mapping.Family) (string, error)
	StripPrefix(p string) string
}

// Forwarder relays requests to upstream services.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, service route.Service, path string)
	Has(service route.Service) bool
}

// Provisioner runs the organization onboarding saga.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (provision.Result, error)
}

// ReadinessCheck checks the named dependencies the gateway cannot serve without.
type ReadinessCheck struct {
	Checks  map[string]func(context.Context) error
	Timeout time.Duration
}

func (rp ReadinessCheck) Check(ctx context.Context) error {
	if rp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.Timeout)
		defer cancel()
	}
	var err error
	for name, check := range rp.Checks {
		if cerr := check(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, cerr))
		}
	}
	return err
}

// Deps are the collaborators the HTTP surface drives.
type Deps struct {
	Verifier    TokenVerifier
	Resolver    PathResolver
	Proxy       Forwarder
	Provisioner Provisioner
	Ready       ReadinessCheck
	Logger      *zap.Logger
}

// Settings tune the HTTP surface.
type Settings struct {
	Prefix       string
	ClientOrigin string
	RateBurst    int
	RatePerSec   float64
	MaxBodyBytes int64
	Version      string
	Commit       string
}

// API is the HTTP layer of the gateway.
type API struct {
	router   chi.Router
	deps     Deps
	settings Settings
	table    *route.Table
	logger   *zap.Logger
}

func New(deps Deps, settings Settings) *API {
	if settings.Prefix == "" {
		settings.Prefix = "/api"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{
		router:   chi.NewRouter(),
		deps:     deps,
		settings: settings,
		table:    route.NewTable(route.Policies),
		logger:   logger.With(zap.String("component", "httpapi")),
	}

	a.router.Use(RequestID, AccessLog(a.logger), obs.Instrument)

	// health/ready/info
	a.router.Get("/healthz", a.Healthz)
	a.router.Get("/readyz", a.Ready)
	a.router.Get("/v1/info", a.Info)

	// Prometheus metrics
	a.router.Handle("/metrics", obs.Handler())

	a.router.Route(settings.Prefix, func(r chi.Router) {
		// Policies match with or without a trailing slash; the forwarded
		// path keeps whatever the client sent.
		r.Use(middleware.StripSlashes)
		r.Use(CORS(settings.ClientOrigin), RateLimit(settings.RateBurst, settings.RatePerSec), MaxBodyBytes(settings.MaxBodyBytes))
		for _, pattern := range a.table.Patterns() {
			r.HandleFunc(pattern, a.dispatch(pattern))
		}
		r.NotFound(writeNotFound)
	})

	a.router.NotFound(a.fallback)
	a.router.MethodNotAllowed(writeNotFound)
	return a
}

// Handler возвращает http.Handler для сервера.
func (a *API) Handler() http.Handler {
	return a.router
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.settings.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		a.logger.Warn("not ready", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.settings.Version,
		"commit":  a.settings.Commit,
	})
}

// fallback sends non-API page loads to the frontend when one is configured.
func (a *API) fallback(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && a.deps.Proxy != nil && a.deps.Proxy.Has(route.ServiceFrontend) {
		a.deps.Proxy.Forward(w, r, route.ServiceFrontend, r.URL.EscapedPath())
		return
	}
	writeNotFound(w, r)
}
