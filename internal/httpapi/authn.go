package httpapi

import (
	"context"
	"net/http"
	"strings"

	"meshgate.org/internal/auth"
	"meshgate.org/internal/errs"
	"meshgate.org/internal/route"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	refreshCookie = "jwt"
)

// authenticate applies the credential check a policy requires and returns
// the request context carrying the verified identity.
func (a *API) authenticate(r *http.Request, p route.Policy) (context.Context, error) {
	ctx := r.Context()
	switch p.Auth {
	case route.AuthAccess:
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			return nil, err
		}
		user, err := a.deps.Verifier.Verify(ctx, token)
		if err != nil {
			return nil, err
		}
		return auth.ContextWithUser(ctx, user), nil
	case route.AuthRefresh:
		userID, err := a.deps.Verifier.Refresh(ctx, refreshToken(r))
		if err != nil {
			return nil, err
		}
		return auth.ContextWithRefreshSubject(ctx, userID), nil
	default:
		return ctx, nil
	}
}

// extractBearerToken returns "" for an absent header so the verifier reports
// it as missing; any other scheme is an invalid credential.
func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errs.Unauthorized(errs.ReasonInvalid)
	}
	return strings.TrimSpace(header[len(bearer):]), nil
}

func refreshToken(r *http.Request) string {
	c, err := r.Cookie(refreshCookie)
	if err != nil {
		return ""
	}
	return c.Value
}
