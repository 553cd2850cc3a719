package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/daviddao/treesync/pkg/model"
)

// ErrClosed is returned by calls on a closed Conn.
var ErrClosed = errors.New("transport: connection closed")

// Conn talks to a Server over one websocket. Requests are strictly
// sequential: each call writes a frame and waits for the reply with the
// same id.
type Conn struct {
	mu     sync.Mutex
	ws     *websocket.Conn
	opts   clientOptions
	nextID uint64
	closed bool
}

// Dial connects to the server's websocket endpoint. serverURL may be the
// http(s) base URL or the ws(s) URL of /ws. Dialing is retried with
// exponential backoff.
func Dial(ctx context.Context, serverURL string, opts ...ClientOption) (*Conn, error) {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	var ws *websocket.Conn
	op := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode/100 == 4 {
				return backoff.Permanent(fmt.Errorf("dial %s: %s", wsURL, resp.Status))
			}
			return err
		}
		ws = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.log.WithError(err).WithField("wait", wait).Debug("dial retry")
	}
	if err := backoff.RetryNotify(op, o.backOff(ctx), notify); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Conn{ws: ws, opts: o}, nil
}

// ReplicaID returns the id this connection reports.
func (c *Conn) ReplicaID() string { return c.opts.replica }

// Snapshot fetches the authority's current state.
func (c *Conn) Snapshot(ctx context.Context) (model.Snapshot, error) {
	reply, err := c.roundTrip(ctx, Frame{Type: FrameSnapshot})
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if reply.Snapshot == nil {
		return model.Snapshot{}, errors.New("snapshot: reply without snapshot")
	}
	snap := *reply.Snapshot
	if snap.Document == nil {
		snap.Document = model.Document{}
	}
	return snap, nil
}

// Flush sends one batch and waits for the answer.
func (c *Conn) Flush(ctx context.Context, batch model.CompletionBatch) (*FlushResponse, error) {
	reply, err := c.roundTrip(ctx, Frame{Type: FrameFlush, Replica: c.opts.replica, Batch: &batch})
	if err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	if reply.Result == nil {
		return nil, errors.New("flush: reply without result")
	}
	return reply.Result, nil
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) roundTrip(ctx context.Context, req Frame) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Frame{}, ErrClosed
	}

	deadline, _ := ctx.Deadline()
	// Unblock the read if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	c.nextID++
	req.ID = c.nextID
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return Frame{}, err
	}
	if err := c.ws.WriteJSON(req); err != nil {
		c.closed = true
		_ = c.ws.Close()
		return Frame{}, err
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return Frame{}, err
	}
	for {
		var reply Frame
		if err := c.ws.ReadJSON(&reply); err != nil {
			// gorilla read errors are permanent for the connection.
			c.closed = true
			_ = c.ws.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Frame{}, ctxErr
			}
			return Frame{}, err
		}
		if reply.ID != req.ID {
			continue
		}
		if reply.Type == FrameError {
			return Frame{}, fmt.Errorf("server: %s", reply.Error)
		}
		return reply, nil
	}
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
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
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}
