package server

import (
	"net/http"
	"net/netip"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/dockerlogs/internal/auth"
	"github.com/ehrlich-b/dockerlogs/internal/logger"
	"github.com/ehrlich-b/dockerlogs/internal/metrics"
	"github.com/ehrlich-b/dockerlogs/internal/relay"
	"github.com/ehrlich-b/dockerlogs/internal/session"
)

// StreamHandler accepts the websocket and hands it to a session.
type StreamHandler struct {
	Controller *session.Controller
	Accept     *websocket.AcceptOptions
	ReadLimit  int64
	Limiter    *relay.RateLimiter
	Proxies    []netip.Prefix // peers trusted to set X-Forwarded-For
	Metrics    *metrics.Metrics
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Limiter != nil && !h.Limiter.Allow(relay.ClientIP(r, h.Proxies)) {
		h.Metrics.Upgrade(metrics.RouteLimited)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req := auth.NewUpgradeRequest(r)
	conn, err := websocket.Accept(w, r, h.Accept)
	if err != nil {
		logger.Warn("server: websocket accept", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()
	if h.ReadLimit > 0 {
		conn.SetReadLimit(h.ReadLimit)
	}

	h.Controller.Serve(r.Context(), conn, req)
}
