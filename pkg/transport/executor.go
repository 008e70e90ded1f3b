package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
)

// ErrInvalidRequest marks a request that can never be sent as stored.
var ErrInvalidRequest = errors.New("invalid request")

// maxResponseBody bounds how much of a response is kept for diagnostics.
const maxResponseBody = 1 << 20

// Request is one replayed API call.
type Request struct {
	Method   string
	Endpoint string
	Payload  []byte
	Headers  map[string]string
}

// Response is what the server answered. Body is truncated to 1 MiB.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Executor performs a request against the CRM API.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Pinger checks whether the CRM API is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Response, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

type HTTPExecutor struct {
	http       *http.Client
	tr         *http.Transport
	base       *url.URL
	ua         string
	headers    map[string]string
	healthPath string
}

func NewHTTPExecutor(cfg config.TransportSettings) (*HTTPExecutor, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	return &HTTPExecutor{
		http:       &http.Client{Transport: tr, Timeout: cfg.CallTimeout},
		tr:         tr,
		base:       base,
		ua:         cfg.UserAgent,
		headers:    cfg.Headers,
		healthPath: cfg.HealthPath,
	}, nil
}

// Execute sends req. A non-2xx answer is not an error; callers classify the
// status code themselves.
func (c *HTTPExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req.Endpoint)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.ua != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.ua)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read response: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

// Ping requests the health path. Any answer below 500 counts as reachable.
func (c *HTTPExecutor) Ping(ctx context.Context) error {
	target, err := c.resolve(c.healthPath)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPExecutor) CloseIdle() { c.tr.CloseIdleConnections() }

// resolve turns an endpoint into an absolute URL. Relative endpoints are
// joined to the base URL; absolute ones must point at the same host.
func (c *HTTPExecutor) resolve(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return c.base.String(), nil
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: parse endpoint %q: %v", ErrInvalidRequest, endpoint, err)
	}
	if ref.IsAbs() {
		if ref.Host != c.base.Host {
			return "", fmt.Errorf("%w: endpoint %q is outside %s", ErrInvalidRequest, endpoint, c.base.Host)
		}
		return ref.String(), nil
	}
	if !strings.HasPrefix(ref.Path, "/") {
		ref.Path = "/" + ref.Path
	}
	joined := *c.base
	joined.Path = strings.TrimSuffix(c.base.Path, "/") + ref.Path
	joined.RawQuery = ref.RawQuery
	return joined.String(), nil
}
