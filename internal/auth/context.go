package auth

import (
	"context"
	"encoding/json"
)

// VerifiedUser is the identity extracted from a valid, non-revoked access token.
type VerifiedUser struct {
	ID      string
	Profile json.RawMessage // "user" claim, verbatim
	Token   string
}

// HeaderValue renders the identity forwarded to backends in the User header.
func (u VerifiedUser) HeaderValue() string {
	if len(u.Profile) > 0 {
		return string(u.Profile)
	}
	b, _ := json.Marshal(map[string]string{"_id": u.ID})
	return string(b)
}

type userContextKey struct{}
type refreshSubjectContextKey struct{}

// ContextWithUser attaches the verified user to the context.
func ContextWithUser(ctx context.Context, user VerifiedUser) context.Context {
	return context.WithValue(ctx, userContextKey{}, &user)
}

// UserFromContext extracts the verified user from the context.
func UserFromContext(ctx context.Context) (VerifiedUser, bool) {
	if ctx == nil {
		return VerifiedUser{}, false
	}
	v, ok := ctx.Value(userContextKey{}).(*VerifiedUser)
	if !ok || v == nil {
		return VerifiedUser{}, false
	}
	return *v, true
}

// ContextWithRefreshSubject stores the user id taken from a verified refresh token.
func ContextWithRefreshSubject(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, refreshSubjectContextKey{}, userID)
}

// RefreshSubjectFromContext returns the refresh token subject if present.
func RefreshSubjectFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(refreshSubjectContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
