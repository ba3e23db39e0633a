// Package client attaches a local terminal to a remote log stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/coder/websocket"
)

type Options struct {
	// URL is the server base, e.g. ws://localhost:3000.
	URL         string
	Path        string
	ContainerID string
	Tail        int // <= 0 asks for the whole log
	Token       string
	Cookie      string // session cookie as name=value
}

// StreamURL builds the websocket URL for o.
func (o Options) StreamURL() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = o.Path
	if u.Path == "" {
		u.Path = "/docker-container-logs"
	}
	q := url.Values{}
	q.Set("containerId", o.ContainerID)
	if o.Tail > 0 {
		q.Set("tail", strconv.Itoa(o.Tail))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CloseError is how the server ended the stream.
type CloseError struct {
	Code   websocket.StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream closed: %v", e.Code)
	}
	return fmt.Sprintf("stream closed: %v: %s", e.Code, e.Reason)
}

// Attach copies stream output to out and in to the stream until the server
// closes it or ctx is done. A normal close returns nil.
func Attach(ctx context.Context, o Options, in io.Reader, out io.Writer) error {
	target, err := o.StreamURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if o.Token != "" {
		header.Set("Authorization", "Bearer "+o.Token)
	}
	if o.Cookie != "" {
		header.Set("Cookie", o.Cookie)
	}

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", target, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.CloseNow()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.StatusNormalClosure && ce.Reason == "" {
					return nil
				}
				return &CloseError{Code: ce.Code, Reason: ce.Reason}
			}
			return err
		}
		if _, err := out.Write(data); err != nil {
			return err
		}
	}
}
