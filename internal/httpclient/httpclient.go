// Package httpclient builds the pooled, rate-limited, trace-instrumented
// *http.Client shared by every outbound call this core makes: external
// catalog imports, enrichment lookups, OAuth token exchanges, and the
// peer-network download client probe.
package httpclient

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout             = 30 * time.Second
	defaultDialTimeout         = 5 * time.Second
	defaultIdleConnTimeout     = 90 * time.Second
	defaultMaxConnsPerHost     = 50
	defaultMaxIdleConnsPerHost = 20
	defaultRateLimit           = rate.Limit(10)
	defaultRateBurst           = 20
)

// Config parameterizes the shared client's pool sizing and outbound rate
// limit.
type Config struct {
	Timeout             time.Duration
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	RateLimit           rate.Limit
	RateBurst           int
}

// DefaultConfig returns the documented defaults: 50 total connections per
// host, 20 idle, a 30 second timeout, and a 10 req/s (burst 20) cap.
func DefaultConfig() Config {
	return Config{
		Timeout:             defaultTimeout,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		RateLimit:           defaultRateLimit,
		RateBurst:           defaultRateBurst,
	}
}

// New builds a shared client: a pooled transport wrapped first in an
// otelhttp span-producing transport, then in a client-side rate limiter.
func New(cfg Config) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: defaultDialTimeout,
	}

	var rt http.RoundTripper = otelhttp.NewTransport(transport)
	rt = &rateLimitedTransport{next: rt, limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)}

	return &http.Client{Timeout: cfg.Timeout, Transport: rt}
}

// rateLimitedTransport blocks each outbound request on a shared token
// bucket before handing it to the wrapped transport.
type rateLimitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}
