// Package auth decides whether an upgrade request may open a log stream.
//
// A Validator inspects one kind of credential (session cookie, bearer JWT,
// API token) and either yields an Identity or declines. Authenticate walks an
// ordered list of validators and accepts the first complete Identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"

	"github.com/ehrlich-b/dockerlogs/internal/logger"
)

// ErrNoCredentials is returned by validators that found nothing to check.
var ErrNoCredentials = errors.New("no credentials")

// Identity is the result of a successful validation.
type Identity struct {
	User    string
	Session string
}

// Complete reports whether both user and session are present.
func (id *Identity) Complete() bool {
	return id != nil && id.User != "" && id.Session != ""
}

// UpgradeRequest is a read-only snapshot of a websocket handshake.
type UpgradeRequest struct {
	path       string
	query      url.Values
	header     http.Header
	remoteAddr string
}

// NewUpgradeRequest copies what validators and the session controller need
// out of r. Later changes to r are not visible through the snapshot.
func NewUpgradeRequest(r *http.Request) *UpgradeRequest {
	req := &UpgradeRequest{
		header:     r.Header.Clone(),
		remoteAddr: r.RemoteAddr,
		query:      url.Values{},
	}
	if r.URL != nil {
		req.path = r.URL.Path
		req.query = r.URL.Query()
	}
	if req.header == nil {
		req.header = http.Header{}
	}
	return req
}

func (r *UpgradeRequest) Path() string { return r.path }

// Query returns the first value of a query parameter, or "".
func (r *UpgradeRequest) Query(key string) string { return r.query.Get(key) }

func (r *UpgradeRequest) Header(key string) string { return r.header.Get(key) }

func (r *UpgradeRequest) RemoteAddr() string { return r.remoteAddr }

// Cookie returns the value of the named cookie.
func (r *UpgradeRequest) Cookie(name string) (string, bool) {
	c, err := (&http.Request{Header: r.header}).Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// Validator inspects a request and optionally yields an Identity.
// A nil Identity with a nil error means the credential was not present.
type Validator interface {
	Validate(ctx context.Context, req *UpgradeRequest) (*Identity, error)
}

// ValidatorFunc adapts a plain function to a Validator.
type ValidatorFunc func(ctx context.Context, req *UpgradeRequest) (*Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, req *UpgradeRequest) (*Identity, error) {
	return f(ctx, req)
}

// Chain is an ordered list of validators. Order only affects cost; any
// validator that accepts is equally authoritative.
type Chain []Validator

func (c Chain) Authenticate(ctx context.Context, req *UpgradeRequest) (Identity, bool) {
	return Authenticate(ctx, req, c)
}

// Authenticate returns the first complete Identity produced by validators, in
// order. Errors and panics from a validator count as a non-match for that
// validator only. It returns false when nothing matched.
func Authenticate(ctx context.Context, req *UpgradeRequest, validators []Validator) (Identity, bool) {
	for i, v := range validators {
		if ctx.Err() != nil {
			return Identity{}, false
		}
		id, err := safeValidate(ctx, v, req)
		if err != nil {
			if !errors.Is(err, ErrNoCredentials) {
				logger.Debug("auth: validator rejected request", "index", i, "remote", req.RemoteAddr(), "err", err)
			}
			continue
		}
		if id.Complete() {
			return *id, true
		}
	}
	return Identity{}, false
}

func safeValidate(ctx context.Context, v Validator, req *UpgradeRequest) (id *Identity, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8192)
			n := runtime.Stack(stack, false)
			logger.Error("auth: validator panic", "panic", r, "stack", string(stack[:n]))
			id, err = nil, fmt.Errorf("validator panic: %v", r)
		}
	}()
	return v.Validate(ctx, req)
}
