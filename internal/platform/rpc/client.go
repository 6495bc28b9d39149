// Package rpc implements platform.Platform against a platform node's HTTP
// API, with update notifications streamed over a websocket.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dray-io/archivist/internal/logging"
	"github.com/dray-io/archivist/internal/platform"
)

const (
	defaultBaseURL = "http://localhost:9138/api/v0"
	defaultWSURL   = "ws://localhost:9138/api/v0"

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rpc: %s %s: unexpected status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("rpc: %s %s: unexpected status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client talks to a platform node.
type Client struct {
	httpClient *http.Client
	baseURL    string
	wsURL      string
	logger     *logging.Logger

	backoffMin time.Duration
	backoffMax time.Duration
}

var _ platform.Platform = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the HTTP API root.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithWSURL sets the websocket root used for update subscriptions.
func WithWSURL(u string) Option {
	return func(c *Client) {
		c.wsURL = strings.TrimRight(u, "/")
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithLogger sets the logger used by subscriptions.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithReconnectBackoff sets the subscription reconnect delay bounds.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.backoffMin = min
		c.backoffMax = max
	}
}

// NewClient creates a platform RPC client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    defaultBaseURL,
		wsURL:      defaultWSURL,
		logger:     logging.Global(),
		backoffMin: 200 * time.Millisecond,
		backoffMax: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func boardPath(address string, rest ...string) string {
	parts := append([]string{"boards", url.PathEscape(address)}, rest...)
	return "/" + strings.Join(parts, "/")
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. Non-2xx responses are returned as *StatusError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("rpc: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("rpc: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rpc: decode %s response: %w", path, err)
	}
	return nil
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// CreateSigner asks the node to generate new signer material.
func (c *Client) CreateSigner(ctx context.Context) (platform.Signer, error) {
	var s platform.Signer
	if err := c.do(ctx, http.MethodPost, "/signers", struct{}{}, &s); err != nil {
		return platform.Signer{}, err
	}
	if s.Address == "" {
		return platform.Signer{}, errors.New("rpc: node returned a signer without address")
	}
	return s, nil
}

// GetBoard fetches the board record.
func (c *Client) GetBoard(ctx context.Context, address string) (*platform.Board, error) {
	var b platform.Board
	err := c.do(ctx, http.MethodGet, boardPath(address), nil, &b)
	if statusCode(err) == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", platform.ErrBoardNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	if b.Address == "" {
		b.Address = address
	}
	return &b, nil
}

type grantRequest struct {
	Address string        `json:"address"`
	Role    platform.Role `json:"role"`
}

// GrantRole edits the role map of a board hosted by the node. The node
// answers 409 Conflict for boards it does not host.
func (c *Client) GrantRole(ctx context.Context, board, address string, role platform.Role) error {
	err := c.do(ctx, http.MethodPut, boardPath(board, "roles"), grantRequest{Address: address, Role: role}, nil)
	switch statusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", platform.ErrBoardNotFound, board)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", platform.ErrNotLocal, board)
	}
	return err
}

// FetchPage resolves a page reference.
func (c *Client) FetchPage(ctx context.Context, board, ref string) (*platform.Page, error) {
	var p platform.Page
	err := c.do(ctx, http.MethodGet, boardPath(board, "pages", url.PathEscape(ref)), nil, &p)
	if statusCode(err) == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", platform.ErrPageNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type moderationRequest struct {
	Signer platform.Signer `json:"signer"`
	platform.Moderation
}

// Moderate publishes a signed moderation and waits for the node to
// acknowledge it.
func (c *Client) Moderate(ctx context.Context, signer platform.Signer, m platform.Moderation) error {
	return c.do(ctx, http.MethodPost, "/moderations", moderationRequest{Signer: signer, Moderation: m}, nil)
}
