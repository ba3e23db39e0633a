// Package relay moves bytes between a websocket and a pty process.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/dockerlogs/internal/logger"
	"github.com/ehrlich-b/dockerlogs/internal/metrics"
)

// ErrClosed is returned by Sender once the stream has been torn down.
var ErrClosed = errors.New("relay: stream closed")

const chunkSize = 4096

// DefaultWriteTimeout bounds a single outbound message.
const DefaultWriteTimeout = 10 * time.Second

// closeWait is how long Close waits for an in-flight write before dropping
// the connection without a close frame.
var closeWait = time.Second

// Conn is the socket side of a stream. *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Sender serializes outbound messages and refuses them after Shut or Close.
type Sender struct {
	conn    Conn
	timeout time.Duration

	slot   chan struct{} // held for the duration of one write
	closed atomic.Bool
}

// NewSender returns a Sender whose writes each get timeout. A timeout of 0
// means DefaultWriteTimeout.
func NewSender(conn Conn, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Sender{conn: conn, timeout: timeout, slot: make(chan struct{}, 1)}
}

// Send writes p as one text message.
func (s *Sender) Send(ctx context.Context, p []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for write: %w", ctx.Err())
	}
	defer func() { <-s.slot }()

	if s.closed.Load() {
		return ErrClosed
	}
	return s.conn.Write(ctx, websocket.MessageText, p)
}

// SendString is Send for diagnostics.
func (s *Sender) SendString(ctx context.Context, msg string) error {
	return s.Send(ctx, []byte(msg))
}

// Shut stops all further sends without touching the socket. It never waits
// for an in-flight write. It reports whether this call did the shutting.
func (s *Sender) Shut() bool {
	return s.closed.CompareAndSwap(false, true)
}

// Close shuts the sender and closes the socket with code and reason. If a
// write is still in flight after closeWait the connection is dropped instead.
// Later calls are no-ops.
func (s *Sender) Close(code websocket.StatusCode, reason string) error {
	if !s.Shut() {
		return nil
	}
	t := time.NewTimer(closeWait)
	defer t.Stop()
	select {
	case s.slot <- struct{}{}:
		defer func() { <-s.slot }()
		return s.conn.Close(code, reason)
	case <-t.C:
		return s.conn.CloseNow()
	}
}

func (s *Sender) Closed() bool {
	return s.closed.Load()
}

// Limiter paces outbound bytes. A nil Limiter leaves the relay unbounded.
type Limiter interface {
	Wait(ctx context.Context, n int) error
}

// Relay owns both directions of one stream.
type Relay struct {
	Proc    io.ReadWriter
	Out     *Sender
	Limit   Limiter
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

func (r *Relay) log() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logger.Log
}

// Outbound forwards every chunk the process emits as one text message, in
// order. It returns nil when the process output ends, or the error that
// stopped forwarding.
func (r *Relay) Outbound(ctx context.Context) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Proc.Read(buf)
		if n > 0 {
			if r.Limit != nil {
				if lerr := r.Limit.Wait(ctx, n); lerr != nil {
					return fmt.Errorf("throttle: %w", lerr)
				}
			}
			if serr := r.Out.Send(ctx, buf[:n]); serr != nil {
				return serr
			}
			r.Metrics.Relayed(metrics.DirOut, n)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read process: %w", err)
		}
	}
}

// Inbound writes each socket message to the process until the socket read
// fails, and returns that error. A message that cannot be delivered is
// answered with a diagnostic and skipped.
func (r *Relay) Inbound(ctx context.Context, conn Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if werr := r.deliver(typ, data); werr != nil {
			r.Metrics.InboundError()
			r.log().Debug("relay: inbound message dropped", "error", werr)
			if serr := r.Out.SendString(ctx, werr.Error()); serr != nil {
				return serr
			}
			continue
		}
		r.Metrics.Relayed(metrics.DirIn, len(data))
	}
}

func (r *Relay) deliver(typ websocket.MessageType, data []byte) error {
	text, err := Decode(typ, data)
	if err != nil {
		return err
	}
	_, err = io.WriteString(r.Proc, text)
	return err
}

// Decode converts a socket message to process input. Binary frames are read
// as UTF-8 with invalid sequences replaced.
func Decode(typ websocket.MessageType, data []byte) (string, error) {
	switch typ {
	case websocket.MessageText:
		return string(data), nil
	case websocket.MessageBinary:
		if utf8.Valid(data) {
			return string(data), nil
		}
		return strings.ToValidUTF8(string(data), "�"), nil
	default:
		return "", fmt.Errorf("unsupported message type %v", typ)
	}
}
