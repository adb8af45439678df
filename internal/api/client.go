// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/lumen-client/internal/creds"
)

// Configuration constants for the transport.
const (
	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps response bodies to prevent memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// renewPath is the fixed relative path for credential renewal. The
	// renewal call authenticates via cookie, never via bearer token.
	renewPath = "/auth/refresh"
)

// =============================================================================
// CLIENT
// =============================================================================

// Client is the credentialed transport. All backend traffic flows through
// Do; callers never see renewal happen.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      *creds.Store
	sink       SessionSink
	nav        Navigator
	gate       *RenewGate
	limiter    *rate.Limiter
	timezone   string
	log        *zap.Logger
}

// Options configures the transport.
type Options struct {
	// BaseURL is the backend origin without a trailing slash.
	BaseURL string

	// Timeout is the per-request timeout (DefaultTimeout when zero).
	Timeout time.Duration

	// Timezone is the IANA zone name sent with every request.
	Timezone string

	// SendRatePerMinute enables a client-side politeness throttle.
	// 0 disables it.
	SendRatePerMinute int

	// HTTPClient overrides the underlying client. Used by tests.
	HTTPClient *http.Client
}

// NewClient creates the transport. The session sink and navigator are
// injected here so the transport can clear identity and redirect without
// importing the layers above it.
func NewClient(opts Options, store *creds.Store, sink SessionSink, nav Navigator, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	var limiter *rate.Limiter
	if opts.SendRatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.SendRatePerMinute)/60.0), opts.SendRatePerMinute)
	}

	tz := opts.Timezone
	if tz == "" {
		tz = localZoneName()
	}

	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: httpClient,
		store:      store,
		sink:       sink,
		nav:        nav,
		gate:       NewRenewGate(),
		limiter:    limiter,
		timezone:   tz,
		log:        log,
	}
}

// localZoneName resolves the IANA name of the local zone, falling back to
// UTC when the runtime only knows it as "Local".
func localZoneName() string {
	name := time.Local.String()
	if name == "" || name == "Local" {
		return "UTC"
	}
	return name
}

// =============================================================================
// DISPATCH
// =============================================================================

// Do sends one logical request. On a 401 with a stored credential it renews
// once (sharing the renewal with concurrent callers) and replays the
// request; a second 401 on the replay is terminal. All other failure
// statuses map onto the sentinel taxonomy.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	token, hasToken := c.store.AccessToken()

	for attempt := 0; ; attempt++ {
		resp, err := c.dispatch(ctx, req, token)
		if err != nil {
			return nil, err
		}

		if resp.Status != http.StatusUnauthorized {
			return c.finish(req, resp)
		}

		// Guest-path 401: expected without a credential, but inside a
		// protected surface it means stale client state, so identity is
		// cleared defensively. The original error is still surfaced.
		if !hasToken {
			if c.nav.Current() == AreaProtected {
				c.log.Warn("unauthenticated 401 on protected surface, clearing identity")
				c.sink.ForceClear()
			}
			return nil, c.wrapStatus(resp, ErrAuthExpired)
		}

		// A request is replayed at most once; a second 401 on the same
		// logical request is terminal, never re-queued.
		if attempt > 0 {
			c.log.Warn("request failed authorization twice", zap.String("path", req.Path))
			return nil, fmt.Errorf("%w: replayed request rejected", ErrAuthExpired)
		}

		newToken, err := c.Renew(ctx)
		if err != nil {
			return nil, err
		}
		token = newToken
	}
}

// DoJSON sends the request and decodes a successful response into out.
func (c *Client) DoJSON(ctx context.Context, req *Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// finish maps non-401 terminal statuses onto the error taxonomy.
func (c *Client) finish(req *Request, resp *Response) (*Response, error) {
	switch {
	case resp.Status == http.StatusForbidden:
		// Denials outside the admin surface bounce the user to a safe
		// default area, but only for primary navigation actions; a
		// background poll must not yank the user elsewhere. The redirect
		// is a side effect, independent of the error the caller gets.
		if !req.Admin && req.Primary {
			c.nav.Redirect(TargetHome)
		}
		return nil, c.wrapStatus(resp, ErrForbidden)
	case resp.Status == http.StatusTooManyRequests:
		return nil, c.wrapStatus(resp, ErrRateLimited)
	case resp.Status >= 500:
		return nil, c.wrapStatus(resp, ErrService)
	case resp.Status >= 400:
		return nil, c.wrapStatus(resp, nil)
	}
	return resp, nil
}

// dispatch performs a single HTTP round trip.
func (c *Client) dispatch(ctx context.Context, req *Request, token string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Timezone", c.timezone)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := readBody(httpResp)
	if err != nil {
		return nil, err
	}

	c.log.Debug("request completed",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	return &Response{Status: httpResp.StatusCode, Body: respBody}, nil
}

// readBody reads the response body with a size limit.
func readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// wrapStatus builds the caller-facing error for a failure response,
// attaching the backend's own error payload when it parses.
func (c *Client) wrapStatus(resp *Response, sentinel error) error {
	apiErr := &APIError{Status: resp.Status, Message: http.StatusText(resp.Status)}

	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Code = parsed.Error.Code
		apiErr.Message = parsed.Error.Message
	}

	if sentinel == nil {
		return apiErr
	}
	return fmt.Errorf("%w: %s", sentinel, apiErr.Message)
}
