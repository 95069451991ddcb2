// Package client is the autosave side of the network boundary: it sends
// sync requests to an Inkwell server and maps failures back onto the shared
// error taxonomy.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/starford/inkwell/internal/apperr"
	"github.com/starford/inkwell/internal/models"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultBeaconTimeout = 5 * time.Second
)

// Client talks to the /api/sync and /api/emergency-save routes.
type Client struct {
	base          *url.URL
	token         string
	http          *http.Client
	beaconTimeout time.Duration
	logger        *slog.Logger

	inflight sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithBeaconTimeout bounds each emergency save sent by Send.
func WithBeaconTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.beaconTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: server url %q must be http or https", baseURL)
	}
	c := &Client{
		base:          u,
		http:          &http.Client{Timeout: defaultTimeout},
		beaconTimeout: defaultBeaconTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AutoSave posts req to /api/sync. A request that never got a response
// fails with apperr.ErrOffline.
func (c *Client) AutoSave(ctx context.Context, req models.SyncRequest) (models.SyncResult, error) {
	var res models.SyncResult
	if err := c.post(ctx, "/api/sync", req, &res); err != nil {
		return models.SyncResult{}, err
	}
	return res, nil
}

// Send delivers req to /api/emergency-save in the background and returns
// immediately. Use Wait to give in-flight deliveries a chance to finish
// before the process exits.
func (c *Client) Send(req models.SyncRequest) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.beaconTimeout)
		defer cancel()
		if err := c.post(ctx, "/api/emergency-save", req, nil); err != nil {
			c.logger.Warn("client: emergency save failed",
				slog.String("session", req.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until every Send has finished or timeout elapses. It reports
// whether all deliveries finished.
func (c *Client) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Ready checks GET /health/ready.
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/health/ready"), nil)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

func (c *Client) post(ctx context.Context, path string, body models.SyncRequest, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.OwnerID != "" {
		req.Header.Set("X-Owner-ID", body.OwnerID)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return ctxErr
		}
		return apperr.Offline(fmt.Errorf("client: %s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Transient(fmt.Errorf("client: decode response: %w", err))
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// decodeError rebuilds the server's error. Bodies that are not the API's
// JSON shape (e.g. from a proxy) are classified by status alone.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body = errorBody{Error: strings.TrimSpace(string(raw))}
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	return apperr.FromCode(apperr.Code(body.Code), resp.StatusCode, body.Error)
}
