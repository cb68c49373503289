// Package remote talks to the public HTTP API of other tiler nodes.
//
// A master forwards tile requests for datasources homed on another
// node, hands pyramid builds over, and pings nodes to refresh their
// descriptor view. Every request carries the Master-Server header; a
// node seeing it answers itself instead of forwarding again, which
// keeps requests from bouncing between masters.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/gommon/log"

	apierrors "github.com/geoforge/tilerd/pkg/api/types/errors"
	xe "github.com/geoforge/tilerd/pkg/errors"
	"github.com/geoforge/tilerd/pkg/tiles"
	"github.com/geoforge/tilerd/pkg/worker"
)

// MasterHeader marks a request as already forwarded by a master.
const MasterHeader = "Master-Server"

var (
	// ErrTimeout is returned when the remote node does not answer
	// within the response budget.
	ErrTimeout = errors.New("remote node timed out")

	// ErrUnreachable is returned when the remote node cannot be
	// reached at all.
	ErrUnreachable = errors.New("remote node unreachable")
)

// StatusError is a non-tile answer from a remote node. Reason carries
// the peer's own wording when its body held the standard error payload.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote node responded %d", e.Code)
	}
	return fmt.Sprintf("remote node responded %d: %s", e.Code, e.Reason)
}

// statusErr drains the response, keeping the peer's reason when the
// body parses as the standard error payload.
func statusErr(resp *http.Response) *StatusError {
	serr := &StatusError{Code: resp.StatusCode}
	payload := apierrors.ErrorResponse{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8192)).Decode(&payload); err == nil {
		serr.Reason = payload.Message.Reason
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return serr
}

// PyramidAck is a remote node's answer to a pyramid handoff.
type PyramidAck struct {
	PyramidID      string `json:"pyramid_id"`
	AlreadyRunning bool   `json:"already_running"`
}

// Client issues requests to other nodes on behalf of this one.
type Client struct {
	self    string
	timeout time.Duration
	http    *http.Client
	logger  *log.Logger
}

type Option func(*Client) *Client

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) *Client {
		c.http = h
		return c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Client) *Client {
		c.logger = l
		return c
	}
}

// New builds a client identifying itself as self (this node's public
// or bind address) with the given per-request budget.
func New(self string, timeout time.Duration, options ...Option) *Client {
	c := &Client{
		self:    self,
		timeout: timeout,
		http:    &http.Client{},
		logger:  log.New("remote"),
	}
	for _, opt := range options {
		c = opt(c)
	}
	return c
}

// Generate fetches one tile from the node at addr.
//
// Returns:
//
// - worker.Tile: the remote's payload, or an Empty answer.
//
// - error: ErrTimeout, ErrUnreachable, a *StatusError for other
// non-tile statuses, or ctx's error when the caller left first.
func (c *Client) Generate(ctx context.Context, addr string, coord tiles.Coordinate) (worker.Tile, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/tile/%s", addr, coord.Fingerprint())
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return worker.Tile{}, xe.Wrap(err)
	}
	req.Header.Set(MasterHeader, c.self)

	resp, err := c.http.Do(req)
	if err != nil {
		return worker.Tile{}, c.sendErr(ctx, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return worker.Tile{}, c.sendErr(ctx, err)
		}
		return worker.Tile{Payload: payload}, nil
	case http.StatusNoContent:
		return worker.Tile{Empty: true}, nil
	default:
		return worker.Tile{}, statusErr(resp)
	}
}

// SchedulePyramid asks the node at addr to build the datasource's
// pyramid itself. The ack comes back as soon as the build is accepted;
// the build runs on the remote node afterwards.
func (c *Client) SchedulePyramid(ctx context.Context, addr, datasourceID string) (PyramidAck, error) {
	body, err := json.Marshal(struct {
		DatasourceID string `json:"datasource_id"`
	}{DatasourceID: datasourceID})
	if err != nil {
		return PyramidAck{}, xe.Wrap(err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/pyramid", addr)
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PyramidAck{}, xe.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(MasterHeader, c.self)

	resp, err := c.http.Do(req)
	if err != nil {
		return PyramidAck{}, c.sendErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || 299 < resp.StatusCode {
		return PyramidAck{}, statusErr(resp)
	}

	ack := PyramidAck{}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return PyramidAck{}, xe.Wrap(err)
	}
	return ack, nil
}

// SyncDatasources pings the node at addr to refresh its descriptor
// view from the shared database. Pinging this node itself is a no-op;
// its registry already folded the mutation in.
func (c *Client) SyncDatasources(ctx context.Context, addr string) error {
	if addr == c.self {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/datasources", addr)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return xe.Wrap(err)
	}
	req.Header.Set(MasterHeader, c.self)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.sendErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusErr(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) sendErr(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}
