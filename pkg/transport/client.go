package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/daviddao/treesync/pkg/model"
)

// Transport is what a Session needs from the authority. Client and Conn
// implement it.
type Transport interface {
	Snapshot(ctx context.Context) (model.Snapshot, error)
	Flush(ctx context.Context, batch model.CompletionBatch) (*FlushResponse, error)
}

var (
	_ Transport = (*Client)(nil)
	_ Transport = (*Conn)(nil)
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// ClientOption configures a Client or a Conn.
type ClientOption func(*clientOptions)

type clientOptions struct {
	replica    string
	httpClient *http.Client
	maxRetries uint64
	log        log.Interface
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		replica:    uuid.NewString(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 5,
		log:        &log.Logger{Handler: discard.New(), Level: log.InfoLevel},
	}
}

// WithReplicaID sets the id reported with every flush. The default is a
// random UUID.
func WithReplicaID(id string) ClientOption {
	return func(o *clientOptions) {
		if id != "" {
			o.replica = id
		}
	}
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithRetries bounds retries of idempotent requests (snapshot, dial).
func WithRetries(n uint64) ClientOption {
	return func(o *clientOptions) { o.maxRetries = n }
}

// WithClientLogger sets the logger. The default discards everything.
func WithClientLogger(l log.Interface) ClientOption {
	return func(o *clientOptions) {
		if l != nil {
			o.log = l
		}
	}
}

func (o clientOptions) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, o.maxRetries), ctx)
}

// Client talks to a Server over plain HTTP.
type Client struct {
	base string
	opts clientOptions
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), opts: o}
}

// ReplicaID returns the id this client reports.
func (c *Client) ReplicaID() string { return c.opts.replica }

// Snapshot fetches the authority's current state, retrying transient
// failures with exponential backoff.
func (c *Client) Snapshot(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/snapshot", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		snap = model.Snapshot{}
		err = c.do(req, &snap)
		var se *StatusError
		if errors.As(err, &se) && se.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.opts.log.WithError(err).WithField("wait", wait).Debug("snapshot retry")
	}
	if err := backoff.RetryNotify(op, c.opts.backOff(ctx), notify); err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.Document == nil {
		snap.Document = model.Document{}
	}
	return snap, nil
}

// Flush sends one batch. It is attempted exactly once.
func (c *Client) Flush(ctx context.Context, batch model.CompletionBatch) (*FlushResponse, error) {
	body, err := json.Marshal(FlushRequest{Replica: c.opts.replica, Batch: batch})
	if err != nil {
		return nil, fmt.Errorf("encode flush: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/flush", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp FlushResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}
	return &resp, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: eb.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
