// Package proxy forwards requests to upstream services and relays their
// responses verbatim.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"meshgate.org/internal/auth"
	"meshgate.org/internal/errs"
	"meshgate.org/internal/obs"
	"meshgate.org/internal/route"
)

// Trusted headers set by the gateway; client supplied values never pass
// through. user_refresh is sent verbatim, the name the identity service reads.
const (
	HeaderUser        = "User"
	HeaderUserRefresh = "user_refresh"
)

const defaultTimeout = 10 * time.Second

// ErrorWriter renders a classified error to the client.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Dispatcher owns one reverse proxy per configured upstream.
type Dispatcher struct {
	targets    map[route.Service]*url.URL
	proxies    map[route.Service]*httputil.ReverseProxy
	transport  http.RoundTripper
	timeout    time.Duration
	writeError ErrorWriter
	logger     *zap.Logger
}

// Option configures Dispatcher behavior.
type Option func(*Dispatcher)

// WithTimeout bounds the wait for upstream response headers.
func WithTimeout(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithTransport replaces the upstream transport; WithTimeout is then ignored.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Dispatcher) {
		if rt != nil {
			p.transport = rt
		}
	}
}

// WithErrorWriter sets how upstream failures are rendered.
func WithErrorWriter(fn ErrorWriter) Option {
	return func(p *Dispatcher) {
		if fn != nil {
			p.writeError = fn
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Dispatcher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New builds a Dispatcher. Services with an empty URL are left unconfigured.
func New(upstreams map[route.Service]string, opts ...Option) (*Dispatcher, error) {
	p := &Dispatcher{
		targets:    make(map[route.Service]*url.URL),
		proxies:    make(map[route.Service]*httputil.ReverseProxy),
		timeout:    defaultTimeout,
		writeError: defaultErrorWriter,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "proxy"))
	if p.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = p.timeout
		p.transport = t
	}
	for service, raw := range upstreams {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		target, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy: %s upstream: %w", service, err)
		}
		if target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("proxy: %s upstream %q must be an absolute URL", service, raw)
		}
		p.targets[service] = target
		p.proxies[service] = p.newReverseProxy(service, target)
	}
	return p, nil
}

// Has reports whether service has an upstream.
func (p *Dispatcher) Has(service route.Service) bool {
	_, ok := p.proxies[service]
	return ok
}

type pathKey struct{}

// Forward sends r to service with its path replaced by path, given in escaped
// form. Method, query, headers and body are forwarded; the response is
// relayed as received.
func (p *Dispatcher) Forward(w http.ResponseWriter, r *http.Request, service route.Service, path string) {
	rp, ok := p.proxies[service]
	if !ok {
		p.writeError(w, r, errs.UpstreamUnavailable("proxy "+string(service), false, errors.New("no upstream configured")))
		return
	}
	ctx := context.WithValue(r.Context(), pathKey{}, path)
	rp.ServeHTTP(w, r.WithContext(ctx))
}

func (p *Dispatcher) newReverseProxy(service route.Service, target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if path, ok := pr.In.Context().Value(pathKey{}).(string); ok {
				setEscapedPath(pr.Out.URL, path)
			}
			pr.SetURL(target)
			pr.SetXForwarded()

			stripTrustedHeaders(pr.Out.Header)
			if user, ok := auth.UserFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderUser, user.HeaderValue())
			}
			if userID, ok := auth.RefreshSubjectFromContext(pr.In.Context()); ok {
				pr.Out.Header[HeaderUserRefresh] = []string{userID}
			}
		},
		Transport: p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			timeout := isTimeout(err)
			obs.ObserveUpstreamError(string(service), timeout)
			p.logger.Error("upstream request failed",
				zap.String("service", string(service)),
				zap.String("method", r.Method),
				zap.String("upstream", target.Host),
				zap.Bool("timeout", timeout),
				zap.Error(err),
			)
			p.writeError(w, r, errs.UpstreamUnavailable("proxy "+string(service), timeout, err))
		},
	}
}

// stripTrustedHeaders deletes every spelling of the trusted headers. Names
// compare case-insensitively with '_' and '-' treated as equal.
func stripTrustedHeaders(h http.Header) {
	for name := range h {
		switch foldHeaderName(name) {
		case foldHeaderName(HeaderUser), foldHeaderName(HeaderUserRefresh):
			delete(h, name)
		}
	}
}

func foldHeaderName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// setEscapedPath sets u's path from its escaped form so encoded
// separators such as %2F reach the upstream unchanged.
func setEscapedPath(u *url.URL, escaped string) {
	p, err := url.PathUnescape(escaped)
	if err != nil {
		u.Path, u.RawPath = escaped, ""
		return
	}
	u.Path = p
	u.RawPath = escaped
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func defaultErrorWriter(w http.ResponseWriter, _ *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(errs.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(errs.KindOf(err)),
		"message": "upstream unavailable",
	})
}
