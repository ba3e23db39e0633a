package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/ehrlich-b/dockerlogs/internal/metrics"
)

// Router sends websocket upgrades for Path to Stream. Upgrades for Ignore
// paths and for any other path, and all plain requests, go to Next.
type Router struct {
	Path    string
	Ignore  []string
	Stream  http.Handler
	Next    http.Handler
	Metrics *metrics.Metrics
}

// Register installs a Router in front of srv's handler. Call it once, before
// the server starts serving.
func Register(srv *http.Server, path string, stream http.Handler, ignore ...string) *Router {
	next := srv.Handler
	if next == nil {
		next = http.DefaultServeMux
	}
	rt := &Router{
		Path:   path,
		Ignore: ignore,
		Stream: stream,
		Next:   next,
	}
	srv.Handler = rt
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		rt.Next.ServeHTTP(w, r)
		return
	}
	route := rt.route(r)
	rt.Metrics.Upgrade(route)
	if route == metrics.RouteStream {
		rt.Stream.ServeHTTP(w, r)
		return
	}
	rt.Next.ServeHTTP(w, r)
}

func (rt *Router) route(r *http.Request) string {
	p, ok := requestPath(r)
	if !ok {
		return metrics.RouteOther
	}
	for _, ig := range rt.Ignore {
		if p == ig {
			return metrics.RouteIgnored
		}
	}
	if p == rt.Path {
		return metrics.RouteStream
	}
	return metrics.RouteOther
}

// requestPath returns the request's path. Unparseable targets are reported
// as not ok.
func requestPath(r *http.Request) (string, bool) {
	if r.URL != nil {
		return r.URL.Path, true
	}
	u, err := url.ParseRequestURI(r.RequestURI)
	if err != nil {
		return "", false
	}
	return u.Path, true
}

func isUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
