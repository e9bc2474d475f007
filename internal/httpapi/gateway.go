package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"meshgate.org/internal/audit"
	"meshgate.org/internal/auth"
	"meshgate.org/internal/errs"
	"meshgate.org/internal/provision"
	"meshgate.org/internal/route"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// dispatch selects the policy registered for pattern, authenticates and runs
// its action.
func (a *API) dispatch(pattern string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.table.Select(pattern, r.Method)
		if !ok {
			writeNotFound(w, r)
			return
		}
		ctx, err := a.authenticate(r, p)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		r = r.WithContext(ctx)

		switch p.Action {
		case route.ActionProxy, route.ActionRefresh:
			a.deps.Proxy.Forward(w, r, p.Target, a.deps.Resolver.StripPrefix(r.URL.EscapedPath()))
		case route.ActionResolveProxy:
			a.resolveAndForward(w, r, p)
		case route.ActionLogout:
			a.logout(w, r)
		case route.ActionProvision:
			a.provision(w, r)
		default:
			writeNotFound(w, r)
		}
	}
}

func (a *API) resolveAndForward(w http.ResponseWriter, r *http.Request, p route.Policy) {
	path, err := a.deps.Resolver.ResolveBackendPath(r.Context(), r.URL.EscapedPath(), chi.URLParam(r, "orgID"), p.Family)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	a.deps.Proxy.Forward(w, r, p.Target, path)
}

// logout revokes whatever valid tokens the caller presents and always
// answers 200.
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	access, _ := extractBearerToken(r.Header.Get(authHeader))
	res := a.deps.Verifier.Revoke(r.Context(), access, refreshToken(r))

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	_ = audit.LogEvent(r.Context(), audit.EventLogout,
		zap.Bool("access_revoked", res.AccessRevoked),
		zap.Bool("refresh_revoked", res.RefreshRevoked),
	)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) provision(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			WriteError(w, r, err)
			return
		}
		WriteError(w, r, errs.InvalidInput("read request body"))
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		WriteError(w, r, errs.InvalidInput("request body must be a JSON object"))
		return
	}
	user, _ := auth.UserFromContext(r.Context())

	res, err := a.deps.Provisioner.Provision(r.Context(), provision.Request{
		Payload:        payload,
		Name:           body.Name,
		Caller:         user,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set(headerReplayed, "true")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(res.Record)
}
