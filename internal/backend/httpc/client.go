// Package httpc is the small JSON client shared by the backend packages.
package httpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"meshgate.org/internal/errs"
)

const (
	headerContentType = "Content-Type"
	maxErrorBody      = 4 << 10
)

type doer interface {
	Do(*http.Request) (*http.Response, error)
}

// ClientOptFn are options to set different parameters on the Client.
type ClientOptFn func(*Client) error

// WithHeader sets a default header applied to every request.
func WithHeader(header, val string) ClientOptFn {
	return func(c *Client) error {
		c.headers.Set(header, val)
		return nil
	}
}

// WithHTTPClient sets the raw http client.
func WithHTTPClient(hc *http.Client) ClientOptFn {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("httpc: nil http client")
		}
		c.doer = hc
		return nil
	}
}

// WithTimeout bounds every request issued by the client.
func WithTimeout(d time.Duration) ClientOptFn {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// Client issues JSON requests against one backend.
type Client struct {
	service string
	base    *url.URL
	doer    doer
	headers http.Header
	timeout time.Duration
}

// New creates a client for service rooted at addr.
func New(service, addr string, opts ...ClientOptFn) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(addr))
	if err != nil {
		return nil, fmt.Errorf("httpc: %s address: %w", service, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("httpc: %s address %q must be an absolute URL", service, addr)
	}
	c := &Client{
		service: service,
		base:    base,
		doer:    &http.Client{},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// StatusError is a non-2xx answer from a backend.
type StatusError struct {
	Service string
	Method  string
	Path    string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Service, e.Method, e.Path, e.Status, e.Body)
}

// StatusCode returns the status of a *StatusError in err's chain, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Req describes one request.
type Req struct {
	Method  string
	Path    string
	Body    any
	Headers http.Header
}

// Do sends req and decodes a JSON response into out when out is non-nil.
// A *json.RawMessage out receives the body verbatim. Transport failures are
// classified as UpstreamUnavailable; non-2xx answers are *StatusError.
func (c *Client) Do(ctx context.Context, req Req, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		switch b := req.Body.(type) {
		case json.RawMessage:
			body = bytes.NewReader(b)
		default:
			buf, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("%s: encode request: %w", c.service, err)
			}
			body = bytes.NewReader(buf)
		}
	}

	u := c.base.JoinPath(req.Path)
	hreq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.service, err)
	}
	for k, vs := range c.headers {
		hreq.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range req.Headers {
		hreq.Header[k] = append([]string(nil), vs...)
	}
	if body != nil {
		hreq.Header.Set(headerContentType, "application/json")
	}
	hreq.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(hreq)
	if err != nil {
		return errs.UpstreamUnavailable(c.service+" "+req.Method+" "+req.Path, isTimeout(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Service: c.service,
			Method:  req.Method,
			Path:    req.Path,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return errs.UpstreamUnavailable(c.service+" read response", isTimeout(err), err)
		}
		*raw = b
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s %s %s: decode response: %w", c.service, req.Method, req.Path, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IDString renders a JSON id that may be encoded as a string or a number.
func IDString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}
