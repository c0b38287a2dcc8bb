package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/3leaps/gohindcast/pkg/fault"
)

// DefaultMaxBodyBytes caps a single response body.
const DefaultMaxBodyBytes = 512 << 20

// HTTPClient issues GET requests for adapters and maps failures onto the
// fault taxonomy. It never retries; retries belong to the fetch worker.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	source    string
	maxBody   int64
}

// NewHTTPClient returns a client configured from the run context.
func NewHTTPClient(sc *Context, sourceName string) *HTTPClient {
	c := &HTTPClient{
		userAgent: DefaultUserAgent,
		source:    sourceName,
		maxBody:   DefaultMaxBodyBytes,
	}
	if sc != nil && sc.UserAgent != "" {
		c.userAgent = sc.UserAgent
	}

	switch {
	case sc != nil && sc.HTTPClient != nil:
		c.client = sc.HTTPClient
	default:
		timeout := DefaultHTTPTimeout
		if sc != nil && sc.HTTPTimeout > 0 {
			timeout = sc.HTTPTimeout
		}
		c.client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return c
}

// Do executes req and returns the body of a successful response.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Raw, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, c.wrap(req, 0, fmt.Errorf("%w: %w", fault.ErrBadRequest, err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.wrap(req, 0, classifyTransport(ctx, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, c.wrap(req, resp.StatusCode, classifyTransport(ctx, err))
	}
	oversized := int64(len(body)) > c.maxBody
	if oversized {
		body = body[:c.maxBody]
	}

	if statusErr := fault.FromStatus(resp.StatusCode, body); statusErr != nil {
		return nil, c.wrap(req, resp.StatusCode, statusErr)
	}
	if oversized {
		return nil, c.wrap(req, resp.StatusCode,
			fmt.Errorf("%w: body exceeds %d bytes", fault.ErrMalformedResponse, c.maxBody))
	}

	return &Raw{
		Request:     req,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Received:    time.Now().UTC(),
	}, nil
}

// WithMaxBody sets the largest accepted response body. A larger body fails
// with fault.ErrMalformedResponse instead of being truncated.
func (c *HTTPClient) WithMaxBody(n int64) *HTTPClient {
	if n > 0 {
		c.maxBody = n
	}
	return c
}

func (c *HTTPClient) wrap(req *Request, status int, err error) error {
	return &fault.Error{
		Op:     "fetch",
		Source: c.source,
		Unit:   req.Unit.ID(),
		Status: status,
		Err:    err,
	}
}

// classifyTransport maps a transport-level failure. Cancellation of the
// caller's context is passed through untouched so the worker can stop.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", fault.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", fault.ErrUnavailable, err)
}
