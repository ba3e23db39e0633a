package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// bearerToken extracts a bearer credential from the Authorization header, or
// from the token query parameter for browsers that cannot set headers on a
// websocket handshake.
func bearerToken(req *UpgradeRequest) string {
	if h := req.Header("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return req.Query("token")
}

// CookieValidator accepts requests carrying a live browser session cookie.
// Sessions past half their lifetime are pushed out by Duration.
type CookieValidator struct {
	Store    *Store
	Name     string
	Duration time.Duration
	Now      func() time.Time
}

func (v *CookieValidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *CookieValidator) Validate(ctx context.Context, req *UpgradeRequest) (*Identity, error) {
	token, ok := req.Cookie(v.Name)
	if !ok || token == "" {
		return nil, ErrNoCredentials
	}
	sess, err := v.Store.GetSession(token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session not found or expired")
	}

	if v.Duration > 0 {
		now := v.now()
		if sess.ExpiresAt.Sub(now) < v.Duration/2 {
			if err := v.Store.TouchSession(sess.Token, now.Add(v.Duration)); err != nil {
				return nil, err
			}
		}
	}
	return &Identity{User: sess.UserID, Session: sess.Token}, nil
}

// JWTValidator accepts HS256 bearer tokens signed with Secret.
type JWTValidator struct {
	Secret []byte
}

func (v *JWTValidator) Validate(ctx context.Context, req *UpgradeRequest) (*Identity, error) {
	token := bearerToken(req)
	if token == "" {
		return nil, ErrNoCredentials
	}
	// Opaque API tokens are hex, never three dot-separated segments.
	if strings.Count(token, ".") != 2 {
		return nil, ErrNoCredentials
	}
	claims, err := ParseToken(v.Secret, token)
	if err != nil {
		return nil, err
	}
	return &Identity{User: claims.Subject, Session: claims.ID}, nil
}

// APITokenValidator accepts opaque bearer tokens stored in Store.
type APITokenValidator struct {
	Store *Store
}

func (v *APITokenValidator) Validate(ctx context.Context, req *UpgradeRequest) (*Identity, error) {
	token := bearerToken(req)
	if token == "" {
		return nil, ErrNoCredentials
	}
	t, err := v.Store.ValidateAPIToken(token)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("invalid or expired token")
	}
	return &Identity{User: t.UserID, Session: t.Token}, nil
}
