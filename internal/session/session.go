// Package session runs one log stream from upgrade to teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/dockerlogs/internal/auth"
	"github.com/ehrlich-b/dockerlogs/internal/launcher"
	"github.com/ehrlich-b/dockerlogs/internal/logger"
	"github.com/ehrlich-b/dockerlogs/internal/metrics"
	"github.com/ehrlich-b/dockerlogs/internal/relay"
)

// Close codes sent to the browser.
const (
	StatusMissingContainer websocket.StatusCode = 4000
	ReasonMissingContainer                      = "containerId not provided"
)

type State int32

const (
	Connecting State = iota
	Authenticating
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Session is one socket and, while streaming, the process behind it.
type Session struct {
	ID          string
	ContainerID string
	Tail        string
	User        string
	StartedAt   time.Time

	out   *relay.Sender
	proc  launcher.Process
	state atomic.Int32
	kill  sync.Once
	log   *slog.Logger
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("session: state", "state", st)
}

// Close closes the socket. Streaming sessions then tear down their process.
func (s *Session) Close(code websocket.StatusCode, reason string) error {
	return s.out.Close(code, reason)
}

// end closes the socket and logs, rather than returns, a failure.
func (s *Session) end(code websocket.StatusCode, reason string) {
	if err := s.Close(code, reason); err != nil {
		s.log.Debug("session: close", "code", code, "error", err)
	}
}

// notify sends a diagnostic line to the browser.
func (s *Session) notify(ctx context.Context, msg string) {
	if err := s.out.SendString(ctx, msg); err != nil {
		s.log.Debug("session: diagnostic not sent", "error", err)
	}
}

// terminate kills the process at most once.
func (s *Session) terminate() {
	s.kill.Do(func() {
		if s.proc == nil {
			return
		}
		if err := s.proc.Kill(); err != nil {
			s.log.Warn("session: kill failed", "pid", s.proc.Pid(), "error", err)
		}
	})
}

// Controller holds what every session needs.
type Controller struct {
	Validators auth.Chain
	Launcher   launcher.Launcher
	Shell      launcher.ShellResolver
	DockerBin  string
	Bandwidth  *relay.BandwidthMeter
	Metrics    *metrics.Metrics
	Registry   *Registry

	// MaxPerUser caps concurrent streams per user. 0 is unlimited.
	MaxPerUser int

	// WriteTimeout bounds each outbound message. 0 means relay.DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Serve drives conn through the session states and returns once the session
// is closed.
func (c *Controller) Serve(ctx context.Context, conn relay.Conn, req *auth.UpgradeRequest) *Session {
	s := &Session{
		ID:          uuid.New().String()[:8],
		ContainerID: req.Query("containerId"),
		Tail:        req.Query("tail"),
		StartedAt:   time.Now(),
		out:         relay.NewSender(conn, c.WriteTimeout),
	}
	s.log = logger.Component("session").With("session", s.ID, "remote", req.RemoteAddr())
	s.setState(Connecting)

	if s.ContainerID == "" {
		s.log.Info("session: rejected, no container id")
		c.Metrics.Session(metrics.OutcomeMissingContainer)
		s.end(StatusMissingContainer, ReasonMissingContainer)
		s.setState(Closed)
		return s
	}
	s.log = s.log.With("container", s.ContainerID)

	s.setState(Authenticating)
	id, ok := c.Validators.Authenticate(ctx, req)
	if !ok {
		s.log.Info("session: authentication failed")
		c.Metrics.Session(metrics.OutcomeUnauthenticated)
		s.end(websocket.StatusNormalClosure, "")
		s.setState(Closed)
		return s
	}
	s.User = id.User
	s.log = s.log.With("user", id.User)

	release := func() {}
	if c.Registry != nil {
		release, ok = c.Registry.Reserve(id.User, c.MaxPerUser)
		if !ok {
			s.log.Info("session: too many streams", "max", c.MaxPerUser)
			c.Metrics.Session(metrics.OutcomeTooMany)
			s.notify(ctx, fmt.Sprintf("too many log streams open (max %d)", c.MaxPerUser))
			s.end(websocket.StatusPolicyViolation, "")
			s.setState(Closed)
			return s
		}
	}
	defer release()

	proc, err := c.launch(ctx, s)
	if err != nil {
		s.log.Warn("session: launch failed", "error", err)
		c.Metrics.Session(metrics.OutcomeLaunchFailed)
		s.notify(ctx, err.Error())
		s.end(websocket.StatusInternalError, "")
		s.setState(Closed)
		return s
	}
	s.proc = proc
	c.Metrics.Session(metrics.OutcomeStreamed)

	c.stream(ctx, conn, s, release)
	return s
}

func (c *Controller) launch(ctx context.Context, s *Session) (launcher.Process, error) {
	shell := launcher.HostShell
	if c.Shell != nil {
		shell = c.Shell
	}
	sh, err := shell.Shell()
	if err != nil {
		return nil, fmt.Errorf("resolve shell: %w", err)
	}
	cmd, err := launcher.LogCommand(sh, c.DockerBin, s.ContainerID, s.Tail)
	if err != nil {
		return nil, err
	}
	if c.Launcher == nil {
		return nil, errors.New("no process launcher configured")
	}
	return c.Launcher.Launch(ctx, cmd)
}

// stream relays until either side ends. release hands the reserved slot over
// to the registered session.
func (c *Controller) stream(ctx context.Context, conn relay.Conn, s *Session, release func()) {
	s.setState(Streaming)
	s.log.Info("session: streaming", "pid", s.proc.Pid(), "tail", s.Tail)
	if c.Registry != nil {
		c.Registry.Add(s)
		defer c.Registry.Remove(s.ID)
	}
	release()
	defer c.Metrics.StreamStarted()()

	r := &relay.Relay{
		Proc:    s.proc,
		Out:     s.out,
		Limit:   c.Bandwidth.For(s.User),
		Metrics: c.Metrics,
		Log:     s.log,
	}

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		err := r.Outbound(ctx)
		switch {
		case err == nil:
			s.log.Info("session: process output ended")
			s.end(websocket.StatusNormalClosure, "")
		case errors.Is(err, relay.ErrClosed):
		default:
			s.log.Warn("session: outbound failed", "error", err)
			s.end(websocket.StatusInternalError, "")
		}
	}()

	err := r.Inbound(ctx, conn)
	s.log.Debug("session: socket done", "error", err)

	s.out.Shut()
	s.terminate()
	<-outDone
	if err := s.proc.Wait(); err != nil {
		s.log.Debug("session: process exit", "error", err)
	}
	if err := s.proc.Close(); err != nil {
		s.log.Debug("session: close process", "error", err)
	}
	s.setState(Closed)
	s.log.Info("session: closed", "duration", time.Since(s.StartedAt).Round(time.Millisecond))
}
