// Package securefetch is the hardened HTTP client behind the plugin fetch
// capability. Every request pays for a concurrency permit before DNS, has
// all resolved addresses classified against the private/reserved tables,
// pins the chosen address for the lifetime of the request so a second DNS
// answer can never rebind it, and streams the body under a byte cap.
package securefetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cuk-labs/usagebar/pkg/logger"
	"github.com/cuk-labs/usagebar/pkg/metrics"
)

const (
	// DefaultMaxConcurrent caps process-wide in-flight fetches.
	DefaultMaxConcurrent = 32
	// DefaultMaxResponseSize caps one response body.
	DefaultMaxResponseSize = 5 << 20 // 5 MiB
	// DefaultTimeout is the per-request wall clock.
	DefaultTimeout = 30 * time.Second
	// DefaultDNSTimeout bounds resolution.
	DefaultDNSTimeout = 5 * time.Second
	// UserAgent is fixed for all plugin traffic.
	UserAgent = "usagebar-plugin-host/1.0"
)

// Config holds fetch client configuration.
type Config struct {
	MaxConcurrent   int           `yaml:"max_concurrent" env:"FETCH_MAX_CONCURRENT"`
	MaxResponseSize int64         `yaml:"max_response_size" env:"FETCH_MAX_RESPONSE_SIZE"`
	Timeout         time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT"`
	DNSTimeout      time.Duration `yaml:"dns_timeout" env:"FETCH_DNS_TIMEOUT"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   DefaultMaxConcurrent,
		MaxResponseSize: DefaultMaxResponseSize,
		Timeout:         DefaultTimeout,
		DNSTimeout:      DefaultDNSTimeout,
	}
}

// Request describes a plugin HTTP call. Only GET and POST exist.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the buffered result of a fetch.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Client is the SSRF-hardened fetch client.
type Client struct {
	cfg      Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	permits  *permitCounter
	resolver *net.Resolver

	mu           sync.Mutex
	disabled     bool
	buildRetried bool

	// insecureAllowPrivate skips address classification so in-package tests
	// can hit loopback httptest servers. Never set outside tests.
	insecureAllowPrivate bool

	// transportBuilder is swappable in tests to exercise the fallback path.
	transportBuilder func(pinned string, host string) (http.RoundTripper, error)
}

// New creates a fetch client.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics) *Client {
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = DefaultDNSTimeout
	}
	if log == nil {
		log = logger.NewDefault("securefetch")
	}
	c := &Client{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		permits:  newPermitCounter(cfg.MaxConcurrent),
		resolver: net.DefaultResolver,
	}
	c.transportBuilder = c.buildTransport
	return c
}

// Fetch performs one hardened request.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if c.isDisabled() {
		return nil, errOf(KindClientNotInitialized, "fetch disabled for this session")
	}

	target, err := c.validateURL(req.URL)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, errOf(KindInvalidURL, "method %q not allowed", req.Method)
	}

	// The permit precedes DNS so resolver stalls count against the cap too.
	guard := c.permits.acquire()
	if guard == nil {
		return nil, errOf(KindTooManyRequests, "max in-flight fetches (%d) reached", c.permits.max)
	}
	defer guard.release()
	if c.metrics != nil {
		c.metrics.FetchesInFlight.Inc()
		defer c.metrics.FetchesInFlight.Dec()
	}

	pinned, err := c.resolveAndClassify(ctx, target.Hostname())
	if err != nil {
		c.countOutcome(err)
		return nil, err
	}

	resp, err := c.doPinned(ctx, method, target, pinned, req)
	c.countOutcome(err)
	return resp, err
}

func (c *Client) countOutcome(err error) {
	if c.metrics == nil {
		return
	}
	if err == nil {
		c.metrics.FetchesTotal.WithLabelValues("ok").Inc()
		return
	}
	kind := KindOf(err)
	if kind == KindBlockedAddress {
		c.metrics.FetchesBlocked.Inc()
	}
	c.metrics.FetchesTotal.WithLabelValues(string(kind)).Inc()
}

func (c *Client) validateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, wrapErr(KindInvalidURL, err, "parse %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errOf(KindInvalidURL, "scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errOf(KindInvalidURL, "missing host")
	}
	if IsMappedLiteral(u.Hostname()) {
		return nil, errOf(KindBlockedAddress, "ipv4-mapped literal %q", u.Hostname())
	}
	return u, nil
}

// resolveAndClassify resolves the host and returns the pinned address. Every
// answer must pass classification; one bad record poisons the whole set,
// since a racing resolver could otherwise steer retries to it.
func (c *Client) resolveAndClassify(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if IsBlockedIP(ip) && !c.insecureAllowPrivate {
			return "", errOf(KindBlockedAddress, "address %s is not routable for plugins", ip)
		}
		return ip.String(), nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, c.cfg.DNSTimeout)
	defer cancel()

	addrs, err := c.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		return "", wrapErr(KindDNSError, err, "resolve %q", host)
	}
	if len(addrs) == 0 {
		return "", errOf(KindDNSError, "no addresses for %q", host)
	}
	for _, addr := range addrs {
		if IsBlockedIP(addr.IP) && !c.insecureAllowPrivate {
			return "", errOf(KindBlockedAddress, "%q resolves to %s", host, addr.IP)
		}
	}
	return addrs[0].IP.String(), nil
}

// buildTransport creates the per-request transport pinned to one address.
// Proxying is disabled here (Proxy: nil); redirects are refused at the
// http.Client level.
func (c *Client) buildTransport(pinned, host string) (http.RoundTripper, error) {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned, port))
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        1,
		IdleConnTimeout:     c.cfg.Timeout,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}, nil
}

// clientFor builds the per-request client. One builder failure falls back to
// a minimal hardened transport; a second failure disables fetch for the rest
// of the session instead of panicking.
func (c *Client) clientFor(pinned, host string) (*http.Client, error) {
	rt, err := c.transportBuilder(pinned, host)
	if err != nil {
		c.mu.Lock()
		retried := c.buildRetried
		c.buildRetried = true
		c.mu.Unlock()

		if retried {
			c.mu.Lock()
			c.disabled = true
			c.mu.Unlock()
			c.log.WithError(err).Error("fetch transport builder failed twice, disabling fetch")
			return nil, wrapErr(KindClientNotInitialized, err, "transport builder failed twice")
		}
		c.log.WithError(err).Warn("fetch transport builder failed, using hardened fallback")
		fallback, fbErr := c.buildTransport(pinned, host)
		if fbErr != nil {
			c.mu.Lock()
			c.disabled = true
			c.mu.Unlock()
			return nil, wrapErr(KindClientNotInitialized, fbErr, "fallback transport failed")
		}
		rt = fallback
	}

	return &http.Client{
		Transport: rt,
		Timeout:   c.cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// A redirect is a second chance at DNS rebinding; refuse all.
			return http.ErrUseLastResponse
		},
	}, nil
}

func (c *Client) doPinned(ctx context.Context, method string, target *url.URL, pinned string, req Request) (*Response, error) {
	httpClient, err := c.clientFor(pinned, target.Hostname())
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, wrapErr(KindInvalidURL, err, "build request")
	}
	httpReq.Header.Set("User-Agent", UserAgent)
	for k, v := range req.Headers {
		if isHopHeader(k) {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, wrapErr(KindNetworkError, err, "%s %s", method, target.Hostname())
	}
	defer resp.Body.Close()

	// Content-Length is a hint, not the enforcement point, but an honest
	// oversized declaration saves the transfer.
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		declared, parseErr := strconv.ParseInt(cl, 10, 64)
		if parseErr != nil || declared < 0 {
			return nil, errOf(KindContentLengthOverflow, "content-length %q", cl)
		}
		if declared > c.cfg.MaxResponseSize {
			return nil, &Error{
				Kind:    KindResponseTooLarge,
				Message: fmt.Sprintf("declared %d bytes", declared),
				Size:    declared,
				Max:     c.cfg.MaxResponseSize,
			}
		}
	}

	buf, err := readCapped(resp.Body, c.cfg.MaxResponseSize)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    buf,
	}, nil
}

// readCapped streams the body in chunks, aborting as soon as the written
// byte count would pass the cap.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	var out bytes.Buffer
	chunk := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > max {
				return nil, &Error{
					Kind:    KindResponseTooLarge,
					Message: fmt.Sprintf("body passed %d bytes", max),
					Size:    total,
					Max:     max,
				}
			}
			out.Write(chunk[:n])
		}
		if err == io.EOF {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, wrapErr(KindReadError, err, "read body")
		}
	}
}

func isHopHeader(k string) bool {
	switch http.CanonicalHeaderKey(k) {
	case "Host", "Connection", "Transfer-Encoding", "Upgrade", "Content-Length":
		return true
	}
	return false
}

func (c *Client) isDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// InFlight exposes the current permit count for supervision.
func (c *Client) InFlight() int64 {
	return c.permits.current()
}

// ResetPermits clears the in-flight counter. Test helper only.
func (c *Client) ResetPermits() {
	c.permits.reset()
}
