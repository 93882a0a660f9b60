package reader

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"klineflow/config"
	"klineflow/logger"

	"golang.org/x/time/rate"
)

// Transport performs the two request kinds the reader needs against the
// remote archive repository.
type Transport interface {
	// Head returns the status code of a HEAD request for url.
	Head(ctx context.Context, url string) (int, error)
	// Get starts a GET request; the caller closes the body.
	Get(ctx context.Context, url string) (*http.Response, error)
}

// StatusError reports an unexpected HTTP status for a URL.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// HTTPTransport is the net/http implementation of Transport. Every request
// waits on a shared rate limiter first.
type HTTPTransport struct {
	client       *http.Client
	limiter      *rate.Limiter
	probeTimeout time.Duration
}

// NewHTTPTransport builds a pooled HTTP client from the reader settings. When
// LocalIP is set, outbound connections are bound to that address.
func NewHTTPTransport(cfg config.ReaderConfig) *HTTPTransport {
	log := logger.GetLogger()

	// Timeout bounds connecting and header waits. Body reads are bounded by
	// the fetcher's idle deadline.
	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}
	if cfg.LocalIP != "" {
		if ip := net.ParseIP(cfg.LocalIP); ip != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		} else {
			log.WithComponent("transport").WithFields(logger.Fields{"local_ip": cfg.LocalIP}).Warn("ignoring unparsable local ip")
		}
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:       cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:       cfg.ConnectionPool.IdleConnTimeout,
	}

	var rt http.RoundTripper = transport
	if cfg.UserAgent != "" {
		rt = userAgentTransport{agent: cfg.UserAgent, base: transport}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	log.WithComponent("transport").WithFields(logger.Fields{
		"max_idle_conns":      cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host":  cfg.ConnectionPool.MaxConnsPerHost,
		"timeout":             cfg.Timeout,
		"probe_timeout":       probeTimeout,
		"requests_per_second": cfg.RequestsPerSecond,
	}).Debug("http transport initialized")

	return &HTTPTransport{
		client:       &http.Client{Transport: rt},
		limiter:      rate.NewLimiter(limit, burst),
		probeTimeout: probeTimeout,
	}
}

// Client exposes the underlying client so API clients share its pool.
func (t *HTTPTransport) Client() *http.Client {
	return t.client
}

// Head starts the probe timeout after the limiter wait.
func (t *HTTPTransport) Head(ctx context.Context, url string) (int, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (t *HTTPTransport) Get(ctx context.Context, url string) (*http.Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return t.client.Do(req)
}
