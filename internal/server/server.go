// Package server exposes the log stream endpoint over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehrlich-b/dockerlogs/internal/auth"
	"github.com/ehrlich-b/dockerlogs/internal/config"
	"github.com/ehrlich-b/dockerlogs/internal/launcher"
	"github.com/ehrlich-b/dockerlogs/internal/logger"
	"github.com/ehrlich-b/dockerlogs/internal/metrics"
	"github.com/ehrlich-b/dockerlogs/internal/relay"
	"github.com/ehrlich-b/dockerlogs/internal/session"
)

type Options struct {
	Config   *config.Config
	Store    *auth.Store
	Secret   []byte
	Launcher launcher.Launcher
	// Registry receives the collectors. Nil uses a fresh registry.
	Registry *prometheus.Registry
}

type Server struct {
	Config   *config.Config
	Store    *auth.Store
	Sessions *session.Registry
	Metrics  *metrics.Metrics
	Limiter  *relay.RateLimiter

	mux    *http.ServeMux
	router *Router
	http   *http.Server
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	validators, err := Validators(cfg.Auth, opts.Store, opts.Secret)
	if err != nil {
		return nil, err
	}
	proxies, err := relay.ParseProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	l := opts.Launcher
	if l == nil {
		l = &launcher.PTYLauncher{
			Term:      cfg.Launcher.Term,
			Cols:      int(cfg.Launcher.Cols),
			Rows:      int(cfg.Launcher.Rows),
			Dir:       cfg.Launcher.Dir,
			KillGrace: cfg.Launcher.KillGrace,
		}
	}
	shell := launcher.HostShell
	if cfg.Launcher.Shell != "" {
		shell = launcher.StaticShell(cfg.Launcher.Shell)
	}

	s := &Server{
		Config:   cfg,
		Store:    opts.Store,
		Sessions: session.NewRegistry(),
		Metrics:  metrics.New(reg),
		Limiter:  relay.NewRateLimiter(cfg.Server.UpgradeRate, cfg.Server.UpgradeBurst),
		mux:      http.NewServeMux(),
	}

	ctrl := &session.Controller{
		Validators: validators,
		Launcher:   l,
		Shell:      shell,
		DockerBin:  cfg.Launcher.DockerBin,
		Bandwidth:  relay.NewBandwidthMeter(cfg.Relay.MaxBytesPerSec, cfg.Relay.Burst),
		Metrics:    s.Metrics,
		Registry:   s.Sessions,
		MaxPerUser: cfg.Relay.MaxSessionsPerUser,

		WriteTimeout: cfg.Relay.WriteTimeout,
	}
	stream := &StreamHandler{
		Controller: ctrl,
		Accept: &websocket.AcceptOptions{
			OriginPatterns:     cfg.Server.OriginPatterns,
			InsecureSkipVerify: cfg.Server.InsecureSkipOrigin,
		},
		ReadLimit: cfg.Relay.ReadLimit,
		Limiter:   s.Limiter,
		Proxies:   proxies,
		Metrics:   s.Metrics,
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Metrics.Enabled {
		s.mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.router = Register(s.http, cfg.Server.Path, stream, cfg.Server.IgnorePaths...)
	s.router.Metrics = s.Metrics
	return s, nil
}

// Handler is the full HTTP surface, router included.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Serve listens until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	if s.Limiter != nil {
		s.Limiter.StartEviction(ctx, 5*time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server: listening", "addr", s.http.Addr, "path", s.Config.Server.Path)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown closes every live stream, then the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.Sessions.CloseAll(websocket.StatusGoingAway, "server shutting down")
	logger.Info("server: shutting down", "streams", n)
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Validators builds the chain named by cfg.Validators, in order.
func Validators(cfg config.AuthConfig, store *auth.Store, secret []byte) (auth.Chain, error) {
	var chain auth.Chain
	for _, name := range cfg.Validators {
		switch name {
		case "cookie":
			if store == nil {
				return nil, fmt.Errorf("validator %q needs a store", name)
			}
			v := &auth.CookieValidator{Store: store, Name: cfg.SessionCookie, Duration: cfg.SessionDuration}
			chain = append(chain, auth.Cached(v, auth.CookieKey(cfg.SessionCookie), cfg.CacheTTL))
		case "jwt":
			if len(secret) == 0 {
				return nil, fmt.Errorf("validator %q needs a secret", name)
			}
			chain = append(chain, &auth.JWTValidator{Secret: secret})
		case "api_token":
			if store == nil {
				return nil, fmt.Errorf("validator %q needs a store", name)
			}
			chain = append(chain, auth.Cached(&auth.APITokenValidator{Store: store}, auth.BearerKey, cfg.CacheTTL))
		default:
			return nil, fmt.Errorf("unknown validator %q", name)
		}
	}
	return chain, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
