// Package ws implements transport.Transport and transport.JobControl against
// the job server: streams over a WebSocket, control calls over plain HTTP.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nstogner/storyloom/pkg/transport"
)

// ErrUnknownJob is returned when the server does not know a job ID.
var ErrUnknownJob = errors.New("unknown job")

// APIError is a non-success response from the job server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("job server returned %d: %s", e.StatusCode, e.Message)
}

// Options tunes a Client.
type Options struct {
	// StatusRate limits GetJobStatus calls per second across all watchers.
	// Zero means 4.
	StatusRate float64
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one job server.
type Client struct {
	baseURL    string
	dialer     *websocket.Dialer
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var (
	_ transport.Transport  = (*Client)(nil)
	_ transport.JobControl = (*Client)(nil)
)

// New creates a Client for the server at baseURL (http or https).
func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}
	if opts.StatusRate <= 0 {
		opts.StatusRate = 4
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.StatusRate), 1),
		logger:     opts.Logger,
	}, nil
}

func (c *Client) streamURL() string {
	if rest, ok := strings.CutPrefix(c.baseURL, "https://"); ok {
		return "wss://" + rest + "/api/stream"
	}
	return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/api/stream"
}

// Open dials the stream endpoint and submits req. ctx bounds the dial only;
// the stream lives until it ends or the handle is aborted.
func (c *Client) Open(ctx context.Context, req transport.Request, h transport.Handlers) (transport.Handle, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial job server: %w", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	s := &stream{conn: conn, logger: c.logger.With("sessionID", req.SessionID)}
	go s.read(h)
	return s, nil
}

// CancelJob asks the server to terminate the job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	endpoint := c.baseURL + "/api/jobs/" + url.PathEscape(jobID) + "/cancel"
	return c.do(ctx, http.MethodPost, endpoint, http.StatusAccepted, nil)
}

// GetJobStatus fetches the job's status. Calls are rate limited.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (transport.JobStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return transport.JobStatus{}, err
	}
	var st transport.JobStatus
	endpoint := c.baseURL + "/api/jobs/" + url.PathEscape(jobID)
	if err := c.do(ctx, http.MethodGet, endpoint, http.StatusOK, &st); err != nil {
		return transport.JobStatus{}, err
	}
	return st, nil
}

// Models lists the models the server can generate with.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/api/models", http.StatusOK, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, want int, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != want {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		apiErr := &APIError{StatusCode: httpResp.StatusCode, Message: msg}
		if httpResp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrUnknownJob, apiErr)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
