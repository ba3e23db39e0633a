package session

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/ehrlich-b/dockerlogs/internal/auth"
	"github.com/ehrlich-b/dockerlogs/internal/launcher"
	"github.com/ehrlich-b/dockerlogs/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn is a socket whose peer is the test. Closing it, from either side,
// makes Read fail. With stall set, writes hang until the socket goes away.
type fakeConn struct {
	in        chan []byte
	closeOnce sync.Once
	gone      chan struct{}
	stall     bool
	writing   chan struct{}

	mu          sync.Mutex
	sent        []string
	afterClose  int
	code        websocket.StatusCode
	reason      string
	closedCalls int
	aborted     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), gone: make(chan struct{}), writing: make(chan struct{}, 1)}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.MessageBinary, b, nil
	case <-c.gone:
		return 0, nil, io.EOF
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if c.stall {
		select {
		case c.writing <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.gone:
			return errors.New("write to closed socket")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.gone:
		c.afterClose++
		return errors.New("write to closed socket")
	default:
	}
	c.sent = append(c.sent, string(p))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	c.closedCalls++
	c.code, c.reason = code, reason
	c.mu.Unlock()
	c.hangUp()
	return nil
}

func (c *fakeConn) CloseNow() error {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	c.hangUp()
	return nil
}

func (c *fakeConn) closeCode() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// hangUp is the browser closing the socket.
func (c *fakeConn) hangUp() {
	c.closeOnce.Do(func() { close(c.gone) })
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) waitMessages(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m := c.messages(); len(m) >= n {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %q, want %d messages", c.messages(), n)
	return nil
}

// fakeProc emits what the test pushes and ends when killed or exited.
type fakeProc struct {
	output chan string
	exited chan struct{}
	once   sync.Once

	mu      sync.Mutex
	kills   int
	input   []string
	failOne bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{output: make(chan string, 16), exited: make(chan struct{})}
}

func (p *fakeProc) Read(b []byte) (int, error) {
	select {
	case s := <-p.output:
		return copy(b, s), nil
	case <-p.exited:
		return 0, io.EOF
	}
}

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOne {
		p.failOne = false
		return 0, errors.New("input/output error")
	}
	p.input = append(p.input, string(b))
	return len(b), nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProc) exit()       { p.once.Do(func() { close(p.exited) }) }
func (p *fakeProc) Wait() error { <-p.exited; return nil }
func (p *fakeProc) Close() error {
	return nil
}
func (p *fakeProc) Pid() int { return 4242 }

func (p *fakeProc) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeLauncher struct {
	mu       sync.Mutex
	calls    []launcher.Command
	err      error
	proc     *fakeProc
	launched chan struct{}
	gate     chan struct{} // when set, Launch blocks until it is closed
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{proc: newFakeProc(), launched: make(chan struct{}, 1)}
}

func (l *fakeLauncher) Launch(ctx context.Context, cmd launcher.Command) (launcher.Process, error) {
	l.mu.Lock()
	l.calls = append(l.calls, cmd)
	l.mu.Unlock()
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	l.launched <- struct{}{}
	return l.proc, nil
}

func (l *fakeLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

type countingValidator struct {
	mu    sync.Mutex
	calls int
	id    *auth.Identity
}

func (v *countingValidator) Validate(ctx context.Context, req *auth.UpgradeRequest) (*auth.Identity, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.id == nil {
		return nil, errors.New("bad credentials")
	}
	return v.id, nil
}

func allow() *countingValidator {
	return &countingValidator{id: &auth.Identity{User: "u1", Session: "s1"}}
}

func upgrade(target string) *auth.UpgradeRequest {
	return auth.NewUpgradeRequest(httptest.NewRequest("GET", target, nil))
}

type harness struct {
	ctrl *Controller
	conn *fakeConn
	l    *fakeLauncher
	v    *countingValidator
	done chan *Session
}

func newHarness(v *countingValidator) *harness {
	h := &harness{conn: newFakeConn(), l: newFakeLauncher(), v: v, done: make(chan *Session, 1)}
	h.ctrl = &Controller{
		Validators: auth.Chain{v},
		Launcher:   h.l,
		Shell:      launcher.StaticShell("/bin/sh"),
		DockerBin:  "docker",
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Registry:   NewRegistry(),
	}
	return h
}

func (h *harness) serve(target string) {
	go func() { h.done <- h.ctrl.Serve(context.Background(), h.conn, upgrade(target)) }()
}

func (h *harness) wait(t *testing.T) *Session {
	t.Helper()
	select {
	case s := <-h.done:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) waitLaunched(t *testing.T) {
	t.Helper()
	select {
	case <-h.l.launched:
	case <-time.After(2 * time.Second):
		t.Fatal("process never launched")
	}
}

func (h *harness) waitRegistered(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ctrl.Registry.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("registry has %d sessions, want %d", h.ctrl.Registry.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMissingContainerID(t *testing.T) {
	h := newHarness(allow())
	h.serve("/docker-container-logs?tail=50")
	s := h.wait(t)

	if h.conn.code != StatusMissingContainer || h.conn.reason != "containerId not provided" {
		t.Errorf("close = %d %q", h.conn.code, h.conn.reason)
	}
	if s.State() != Closed {
		t.Errorf("state = %v", s.State())
	}
	if h.v.calls != 0 {
		t.Errorf("auth attempted %d times before container check", h.v.calls)
	}
	if n := h.l.callCount(); n != 0 {
		t.Errorf("launcher invoked %d times", n)
	}
	if got := testutil.ToFloat64(h.ctrl.Metrics.Sessions.WithLabelValues(metrics.OutcomeMissingContainer)); got != 1 {
		t.Errorf("missing container count = %v", got)
	}
}

func TestAuthFailureNeverLaunches(t *testing.T) {
	h := newHarness(&countingValidator{})
	h.serve("/docker-container-logs?containerId=abc123&tail=50")
	s := h.wait(t)

	if h.conn.code != websocket.StatusNormalClosure || h.conn.reason != "" {
		t.Errorf("close = %d %q, want a generic close", h.conn.code, h.conn.reason)
	}
	if n := h.l.callCount(); n != 0 {
		t.Errorf("launcher invoked %d times", n)
	}
	if msgs := h.conn.messages(); len(msgs) != 0 {
		t.Errorf("leaked diagnostics %q", msgs)
	}
	if s.State() != Closed || s.User != "" {
		t.Errorf("state = %v user = %q", s.State(), s.User)
	}
}

func TestLaunchesLogCommandOnce(t *testing.T) {
	h := newHarness(allow())
	h.serve("/docker-container-logs?containerId=abc123&tail=50")
	h.waitLaunched(t)
	h.conn.hangUp()
	s := h.wait(t)

	if n := h.l.callCount(); n != 1 {
		t.Fatalf("launcher invoked %d times", n)
	}
	want, _ := launcher.LogCommand("/bin/sh", "docker", "abc123", "50")
	got := h.l.calls[0]
	if got.String() != want.String() {
		t.Errorf("command = %q, want %q", got, want)
	}
	if s.User != "u1" || s.ContainerID != "abc123" || s.Tail != "50" {
		t.Errorf("session = %+v", s)
	}
}

func TestOutputForwardedInOrder(t *testing.T) {
	h := newHarness(allow())
	h.serve("/docker-container-logs?containerId=abc123&tail=50")
	h.waitLaunched(t)

	for _, line := range []string{"line1\n", "line2\n", "line3\n"} {
		h.l.proc.output <- line
	}
	got := h.conn.waitMessages(t, 3)
	h.conn.hangUp()
	h.wait(t)

	want := []string{"line1\n", "line2\n", "line3\n"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSocketCloseKillsOnce(t *testing.T) {
	h := newHarness(allow())
	h.serve("/docker-container-logs?containerId=abc123")
	h.waitLaunched(t)
	if h.ctrl.Registry.Len() != 1 {
		t.Errorf("registry len = %d during stream", h.ctrl.Registry.Len())
	}

	h.conn.hangUp()
	s := h.wait(t)

	if n := h.l.proc.killCount(); n != 1 {
		t.Errorf("kill sent %d times, want 1", n)
	}
	if s.State() != Closed {
		t.Errorf("state = %v", s.State())
	}
	if h.ctrl.Registry.Len() != 0 {
		t.Errorf("registry still holds %d sessions", h.ctrl.Registry.Len())
	}

	// Late process output goes nowhere.
	select {
	case h.l.proc.output <- "late\n":
	default:
	}
	time.Sleep(20 * time.Millisecond)
	if h.conn.afterClose != 0 || len(h.conn.messages()) != 0 {
		t.Errorf("messages after close: %q (+%d)", h.conn.messages(), h.conn.afterClose)
	}
}

func TestProcessExitClosesSocket(t *testing.T) {
	h := newHarness(allow())
	h.serve("/docker-container-logs?containerId=abc123")
	h.waitLaunched(t)

	h.l.proc.output <- "bye\n"
	h.conn.waitMessages(t, 1)
	h.l.proc.exit()
	h.wait(t)

	if h.conn.code != websocket.StatusNormalClosure {
		t.Errorf("close code = %d", h.conn.code)
	}
	if h.conn.closedCalls != 1 {
		t.Errorf("socket closed %d times", h.conn.closedCalls)
	}
}

func TestLaunchFailureSurfacesError(t *testing.T) {
	h := newHarness(allow())
	h.l.err = errors.New(`exec: "docker": executable file not found in $PATH`)
	h.serve("/docker-container-logs?containerId=abc123&tail=10")
	s := h.wait(t)

	msgs := h.conn.messages()
	if len(msgs) != 1 || msgs[0] != h.l.err.Error() {
		t.Errorf("messages = %q", msgs)
	}
	if h.conn.code != websocket.StatusInternalError {
		t.Errorf("close code = %d", h.conn.code)
	}
	if s.State() != Closed {
		t.Errorf("state = %v", s.State())
	}
}

func TestShellResolverFailure(t *testing.T) {
	h := newHarness(allow())
	h.ctrl.Shell = launcher.ShellFunc(func() (string, error) { return "", errors.New("no shell") })
	h.serve("/docker-container-logs?containerId=abc123")
	h.wait(t)

	if msgs := h.conn.messages(); len(msgs) != 1 || msgs[0] != "resolve shell: no shell" {
		t.Errorf("messages = %q", msgs)
	}
	if n := h.l.callCount(); n != 0 {
		t.Errorf("launcher invoked %d times", n)
	}
}

func TestBadInboundMessageKeepsStreaming(t *testing.T) {
	h := newHarness(allow())
	h.l.proc.failOne = true
	h.serve("/docker-container-logs?containerId=abc123")
	h.waitLaunched(t)

	h.conn.in <- []byte("first")
	msgs := h.conn.waitMessages(t, 1)
	if msgs[0] != "input/output error" {
		t.Errorf("diagnostic = %q", msgs[0])
	}

	h.conn.in <- []byte("second")
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.l.proc.mu.Lock()
		n := len(h.l.proc.input)
		h.l.proc.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second message never reached the process")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.conn.hangUp()
	h.wait(t)

	if h.l.proc.input[0] != "second" {
		t.Errorf("input = %q", h.l.proc.input)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	h := newHarness(allow())
	h.serve("/docker-container-logs?containerId=abc123")
	h.waitLaunched(t)
	h.waitRegistered(t, 1)

	if n := h.ctrl.Registry.CloseAll(websocket.StatusGoingAway, "shutting down"); n != 1 {
		t.Errorf("closed %d sessions", n)
	}
	h.wait(t)
	if h.conn.code != websocket.StatusGoingAway {
		t.Errorf("close code = %d", h.conn.code)
	}
	if h.l.proc.killCount() != 1 {
		t.Errorf("kills = %d", h.l.proc.killCount())
	}
}

func TestMaxPerUser(t *testing.T) {
	h := newHarness(allow())
	h.ctrl.MaxPerUser = 1
	h.ctrl.Registry.Add(&Session{ID: "other", User: "u1"})
	h.serve("/docker-container-logs?containerId=abc123")
	h.wait(t)

	if n := h.l.callCount(); n != 0 {
		t.Errorf("launcher invoked %d times", n)
	}
	if h.conn.code != websocket.StatusPolicyViolation {
		t.Errorf("close code = %d", h.conn.code)
	}
}

func TestCloseAllWithStalledViewer(t *testing.T) {
	h := newHarness(allow())
	h.conn.stall = true
	h.serve("/docker-container-logs?containerId=abc123")
	h.waitLaunched(t)
	h.waitRegistered(t, 1)

	h.l.proc.output <- "line\n"
	select {
	case <-h.conn.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("outbound write never started")
	}

	closed := make(chan int, 1)
	go func() { closed <- h.ctrl.Registry.CloseAll(websocket.StatusGoingAway, "") }()
	select {
	case n := <-closed:
		if n != 1 {
			t.Errorf("closed %d sessions", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("CloseAll blocked behind a stalled outbound write")
	}

	h.wait(t)
	if h.l.proc.killCount() != 1 {
		t.Errorf("kills = %d", h.l.proc.killCount())
	}
	h.conn.mu.Lock()
	aborted := h.conn.aborted
	h.conn.mu.Unlock()
	if !aborted {
		t.Error("stalled socket was not dropped")
	}
}

func TestMaxPerUserConcurrentUpgrades(t *testing.T) {
	h := newHarness(allow())
	h.ctrl.MaxPerUser = 1
	h.l.gate = make(chan struct{})

	first, second := newFakeConn(), newFakeConn()
	done := make(chan *fakeConn, 2)
	for _, c := range []*fakeConn{first, second} {
		go func() {
			h.ctrl.Serve(context.Background(), c, upgrade("/docker-container-logs?containerId=abc123"))
			done <- c
		}()
	}

	var rejected *fakeConn
	select {
	case rejected = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("neither upgrade was refused while the other was launching")
	}
	if rejected.closeCode() != websocket.StatusPolicyViolation {
		t.Errorf("close code = %d", rejected.closeCode())
	}

	close(h.l.gate)
	h.waitLaunched(t)
	h.waitRegistered(t, 1)
	if n := h.ctrl.Registry.CountForUser("u1"); n != 1 {
		t.Errorf("count while streaming = %d", n)
	}

	streaming := first
	if rejected == first {
		streaming = second
	}
	streaming.hangUp()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("streaming session did not finish")
	}
	if n := h.l.callCount(); n != 1 {
		t.Errorf("launches = %d, want 1", n)
	}
	if n := h.ctrl.Registry.CountForUser("u1"); n != 0 {
		t.Errorf("count after close = %d", n)
	}
}

func TestLaunchFailureReleasesSlot(t *testing.T) {
	h := newHarness(allow())
	h.ctrl.MaxPerUser = 1
	h.l.err = errors.New("exec: no such file")
	h.serve("/docker-container-logs?containerId=abc123")
	h.wait(t)

	if n := h.ctrl.Registry.CountForUser("u1"); n != 0 {
		t.Errorf("slot still held after launch failure: %d", n)
	}
}

func TestRegistryReserve(t *testing.T) {
	r := NewRegistry()
	release, ok := r.Reserve("u1", 2)
	if !ok {
		t.Fatal("first reserve refused")
	}
	if _, ok := r.Reserve("u1", 2); !ok {
		t.Fatal("second reserve refused")
	}
	if _, ok := r.Reserve("u1", 2); ok {
		t.Error("third reserve allowed past max")
	}
	if _, ok := r.Reserve("u2", 2); !ok {
		t.Error("other user refused")
	}
	release()
	release()
	if n := r.CountForUser("u1"); n != 1 {
		t.Errorf("count = %d after double release", n)
	}
	if _, ok := r.Reserve("u1", 0); !ok {
		t.Error("max 0 should be unlimited")
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		Connecting:     "connecting",
		Authenticating: "authenticating",
		Streaming:      "streaming",
		Closed:         "closed",
		State(9):       "State(9)",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(st), st.String(), want)
		}
	}
}
