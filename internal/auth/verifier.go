// Package auth verifies bearer tokens and maintains the server-side deny list
// that makes sign-out and operator revocation effective before expiry.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"meshgate.org/internal/errs"
	"meshgate.org/internal/obs"
)

const defaultStoreTimeout = 2 * time.Second

// DenyList is the revocation store. Entries expire on their own after ttl.
type DenyList interface {
	DenyToken(ctx context.Context, token string, ttl time.Duration) error
	IsTokenDenied(ctx context.Context, token string) (bool, error)
	DenyUser(ctx context.Context, userID string, ttl time.Duration) error
	IsUserDenied(ctx context.Context, userID string) (bool, error)
}

type accessClaims struct {
	User json.RawMessage `json:"user,omitempty"`
	jwt.RegisteredClaims
}

func (c *accessClaims) subject() string {
	if len(c.User) > 0 {
		var profile struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(c.User, &profile); err == nil && profile.ID != "" {
			return profile.ID
		}
	}
	return c.Subject
}

type refreshClaims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

func (c *refreshClaims) subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// RevokeResult reports which tokens were added to the deny list.
type RevokeResult struct {
	AccessRevoked  bool
	RefreshRevoked bool
}

// Verifier checks tokens against their pinned keys and the deny list.
type Verifier struct {
	access       Key
	refresh      Key
	deny         DenyList
	now          func() time.Time
	storeTimeout time.Duration
	logger       *zap.Logger
}

// VerifierOption configures Verifier behavior.
type VerifierOption func(*Verifier)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithStoreTimeout bounds every deny-list call.
func WithStoreTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.storeTimeout = d
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l *zap.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewVerifier constructs a Verifier for the access and refresh keys.
func NewVerifier(access, refresh Key, deny DenyList, opts ...VerifierOption) (*Verifier, error) {
	if !access.valid() {
		return nil, fmt.Errorf("%w: access key is required", ErrInvalidKey)
	}
	if !refresh.valid() {
		return nil, fmt.Errorf("%w: refresh key is required", ErrInvalidKey)
	}
	if deny == nil {
		return nil, errors.New("auth: deny list is required")
	}
	v := &Verifier{
		access:       access,
		refresh:      refresh,
		deny:         deny,
		now:          time.Now,
		storeTimeout: defaultStoreTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(zap.String("component", "auth"))
	return v, nil
}

// Verify authenticates an access token. The deny list is consulted for the
// token before its signature and for its subject after.
func (v *Verifier) Verify(ctx context.Context, token string) (VerifiedUser, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		obs.ObserveTokenVerification("access", errs.ReasonMissing)
		return VerifiedUser{}, errs.Unauthorized(errs.ReasonMissing)
	}
	if err := v.checkToken(ctx, "access", token); err != nil {
		return VerifiedUser{}, err
	}
	claims, err := v.parseAccess(token)
	if err != nil {
		v.logger.Debug("access token rejected", zap.Error(err))
		obs.ObserveTokenVerification("access", errs.ReasonInvalid)
		return VerifiedUser{}, errs.Unauthorized(errs.ReasonInvalid)
	}
	user := VerifiedUser{ID: claims.subject(), Profile: claims.User, Token: token}
	if user.ID == "" {
		obs.ObserveTokenVerification("access", errs.ReasonInvalid)
		return VerifiedUser{}, errs.Unauthorized(errs.ReasonInvalid)
	}
	if err := v.checkUser(ctx, "access", user.ID); err != nil {
		return VerifiedUser{}, err
	}
	obs.ObserveTokenVerification("access", "ok")
	return user, nil
}

// Refresh validates a refresh token and returns its user id.
func (v *Verifier) Refresh(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		obs.ObserveTokenVerification("refresh", errs.ReasonMissing)
		return "", errs.Unauthorized(errs.ReasonMissing)
	}
	if err := v.checkToken(ctx, "refresh", token); err != nil {
		return "", err
	}
	claims, err := v.parseRefresh(token)
	if err != nil || claims.subject() == "" {
		v.logger.Debug("refresh token rejected", zap.Error(err))
		obs.ObserveTokenVerification("refresh", errs.ReasonInvalid)
		return "", errs.Unauthorized(errs.ReasonInvalid)
	}
	userID := claims.subject()
	if err := v.checkUser(ctx, "refresh", userID); err != nil {
		return "", err
	}
	obs.ObserveTokenVerification("refresh", "ok")
	return userID, nil
}

// Revoke denies each token that still validates under its own key for the
// rest of its lifetime. It is best effort and never fails the caller.
func (v *Verifier) Revoke(ctx context.Context, accessToken, refreshToken string) RevokeResult {
	var res RevokeResult
	if accessToken = strings.TrimSpace(accessToken); accessToken != "" {
		claims, err := v.parseAccess(accessToken)
		if err != nil {
			v.logger.Debug("skip revoking access token", zap.Error(err))
		} else {
			res.AccessRevoked = v.denyToken(ctx, "access", accessToken, claims.ExpiresAt.Time)
		}
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		claims, err := v.parseRefresh(refreshToken)
		if err != nil {
			v.logger.Debug("skip revoking refresh token", zap.Error(err))
		} else {
			res.RefreshRevoked = v.denyToken(ctx, "refresh", refreshToken, claims.ExpiresAt.Time)
		}
	}
	return res
}

// DenyUser rejects every token of userID for ttl. ttl should cover the
// access-token lifetime so tokens issued before the call cannot outlive it.
func (v *Verifier) DenyUser(ctx context.Context, userID string, ttl time.Duration) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errs.InvalidInput("user id is required")
	}
	if ttl <= 0 {
		return errs.InvalidInput("ttl must be positive, got %s", ttl)
	}
	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	if err := v.deny.DenyUser(sctx, userID, ttl); err != nil {
		obs.ObserveRevocation("user", "error")
		return errs.StoreUnavailable("deny-user", err)
	}
	obs.ObserveRevocation("user", "ok")
	v.logger.Info("user denied", zap.String("user_id", userID), zap.Duration("ttl", ttl))
	return nil
}

func (v *Verifier) checkToken(ctx context.Context, kind, token string) error {
	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	denied, err := v.deny.IsTokenDenied(sctx, token)
	if err != nil {
		obs.ObserveTokenVerification(kind, "store_error")
		return errs.StoreUnavailable("deny-list token lookup", err)
	}
	if denied {
		obs.ObserveTokenVerification(kind, errs.ReasonDenied)
		return errs.Unauthorized(errs.ReasonDenied)
	}
	return nil
}

func (v *Verifier) checkUser(ctx context.Context, kind, userID string) error {
	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	denied, err := v.deny.IsUserDenied(sctx, userID)
	if err != nil {
		obs.ObserveTokenVerification(kind, "store_error")
		return errs.StoreUnavailable("deny-list user lookup", err)
	}
	if denied {
		obs.ObserveTokenVerification(kind, errs.ReasonDenied)
		return errs.Unauthorized(errs.ReasonDenied)
	}
	return nil
}

func (v *Verifier) denyToken(ctx context.Context, kind, token string, expiresAt time.Time) bool {
	ttl := expiresAt.Sub(v.now())
	if ttl <= 0 {
		return false
	}
	sctx, cancel := v.storeContext(ctx)
	defer cancel()
	if err := v.deny.DenyToken(sctx, token, ttl); err != nil {
		obs.ObserveRevocation("jwt", "error")
		v.logger.Warn("revoke token failed", zap.String("token_kind", kind), zap.Error(err))
		return false
	}
	obs.ObserveRevocation("jwt", "ok")
	return true
}

func (v *Verifier) parseAccess(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	if err := v.parse(token, v.access, claims); err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(claims.User); bytes.Equal(trimmed, []byte("null")) {
		claims.User = nil
	}
	return claims, nil
}

func (v *Verifier) parseRefresh(token string) (*refreshClaims, error) {
	claims := &refreshClaims{}
	if err := v.parse(token, v.refresh, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) parse(token string, key Key, claims jwt.Claims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{key.Algorithm()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != key.Algorithm() {
			return nil, ErrInvalidKey
		}
		return key.material, nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrTokenUnverifiable
	}
	return nil
}

func (v *Verifier) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, v.storeTimeout)
}
