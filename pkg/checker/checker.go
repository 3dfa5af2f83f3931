package checker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"syscall"
	"time"

	netproxy "golang.org/x/net/proxy"

	"proxypool/internal/logger"
	"proxypool/pkg/proxy"
)

var (
	// ErrNotAnonymous is returned when an echo endpoint reached through the
	// proxy reports an origin other than the proxy itself.
	ErrNotAnonymous = errors.New("proxy is not anonymous")

	// ErrUnexpectedStatus is returned when the liveness probe answers with a
	// status outside the configured valid set.
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

type ProxyStatus int

const (
	StatusUnknown ProxyStatus = iota
	StatusHealthy
	StatusInvalid
	StatusUnreachable
	StatusTimeout
	StatusError
)

func (s ProxyStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusInvalid:
		return "invalid"
	case StatusUnreachable:
		return "unreachable"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Category groups statuses by how the score of the proxy should change.
type Category int

const (
	CategoryUnclassified Category = iota
	CategorySuccess
	CategoryValidityFailure
	CategoryTransportFailure
)

func (c Category) String() string {
	switch c {
	case CategorySuccess:
		return "success"
	case CategoryValidityFailure:
		return "validity_failure"
	case CategoryTransportFailure:
		return "transport_failure"
	default:
		return "unclassified"
	}
}

func (s ProxyStatus) Category() Category {
	switch s {
	case StatusHealthy:
		return CategorySuccess
	case StatusInvalid:
		return CategoryValidityFailure
	case StatusUnreachable, StatusTimeout:
		return CategoryTransportFailure
	default:
		return CategoryUnclassified
	}
}

type CheckResult struct {
	Proxy        proxy.Proxy
	Status       ProxyStatus
	StatusCode   int
	ResponseTime time.Duration
	Error        error
	CheckedAt    time.Time
}

type Config struct {
	TestURL         string
	Timeout         time.Duration
	ValidStatus     []int
	AnonymityChecks int
	EchoURLs        []string
	UserAgent       string
}

func DefaultConfig() Config {
	return Config{
		TestURL:         "https://www.baidu.com",
		Timeout:         10 * time.Second,
		ValidStatus:     []int{http.StatusOK, http.StatusPartialContent, http.StatusFound},
		AnonymityChecks: 0,
		EchoURLs:        []string{"https://httpbin.org/ip", "http://km.chik.cn/ip"},
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	}
}

type Checker struct {
	cfg    Config
	logger *logger.Logger
}

// New fills zero fields of cfg from DefaultConfig.
func New(cfg Config) *Checker {
	def := DefaultConfig()
	if cfg.TestURL == "" {
		cfg.TestURL = def.TestURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.ValidStatus) == 0 {
		cfg.ValidStatus = def.ValidStatus
	}
	if len(cfg.EchoURLs) == 0 {
		cfg.EchoURLs = def.EchoURLs
	}
	if cfg.AnonymityChecks > len(cfg.EchoURLs) {
		cfg.AnonymityChecks = len(cfg.EchoURLs)
	}
	if cfg.AnonymityChecks < 0 {
		cfg.AnonymityChecks = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Checker{cfg: cfg, logger: logger.New("checker")}
}

func (c *Checker) Config() Config {
	return c.cfg
}

// Validate runs the configured anonymity probes followed by the liveness
// probe. The first failing probe decides the result.
func (c *Checker) Validate(ctx context.Context, p proxy.Proxy) CheckResult {
	start := time.Now()
	result := CheckResult{Proxy: p, CheckedAt: start}

	for _, echoURL := range c.cfg.EchoURLs[:c.cfg.AnonymityChecks] {
		if err := c.checkAnonymity(ctx, p, echoURL); err != nil {
			result.Status = statusFor(err)
			result.Error = err
			result.ResponseTime = time.Since(start)
			return result
		}
	}

	code, err := c.checkLiveness(ctx, p)
	result.StatusCode = code
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Status = statusFor(err)
		result.Error = err
		return result
	}
	result.Status = StatusHealthy
	return result
}

func (c *Checker) checkLiveness(ctx context.Context, p proxy.Proxy) (int, error) {
	client, err := c.proxiedClient(p)
	if err != nil {
		return 0, err
	}
	resp, err := c.get(ctx, client, c.cfg.TestURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if !slices.Contains(c.cfg.ValidStatus, resp.StatusCode) {
		return resp.StatusCode, fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

type echoResponse struct {
	Origin string `json:"origin"`
}

// checkAnonymity compares the origin seen by echoURL directly with the one
// seen through the proxy. The proxy is anonymous when the two differ and the
// proxied origin is the proxy host.
func (c *Checker) checkAnonymity(ctx context.Context, p proxy.Proxy, echoURL string) error {
	direct, err := c.fetchOrigin(ctx, c.directClient(), echoURL)
	if err != nil {
		// The probe could not establish our own address; the proxy is not at fault.
		return &probeError{err: fmt.Errorf("direct request to %s failed: %w", echoURL, err)}
	}

	client, err := c.proxiedClient(p)
	if err != nil {
		return err
	}
	proxied, err := c.fetchOrigin(ctx, client, echoURL)
	if err != nil {
		return err
	}

	if proxied == direct || proxied != p.Host {
		return fmt.Errorf("%w: %s reported origin %q, direct origin %q", ErrNotAnonymous, echoURL, proxied, direct)
	}
	return nil
}

func (c *Checker) fetchOrigin(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	resp, err := c.get(ctx, client, rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var echo echoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&echo); err != nil {
		return "", fmt.Errorf("%w: invalid echo response from %s: %v", ErrNotAnonymous, rawURL, err)
	}
	return strings.TrimSpace(echo.Origin), nil
}

func (c *Checker) get(ctx context.Context, client *http.Client, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &probeError{err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/plain, application/json")
	req.Header.Set("Connection", "close")
	return client.Do(req)
}

func (c *Checker) directClient() *http.Client {
	return c.client(&http.Transport{
		DialContext: (&net.Dialer{Timeout: c.cfg.Timeout}).DialContext,
	})
}

// proxiedClient builds a single-use client routed through p. HTTP and HTTPS
// proxies use the transport's proxy support, SOCKS proxies a custom dialer.
func (c *Checker) proxiedClient(p proxy.Proxy) (*http.Client, error) {
	transport := &http.Transport{}
	if p.IsSOCKS() {
		dialer, err := createSOCKSDialer(p, c.cfg.Timeout)
		if err != nil {
			return nil, &probeError{err: err}
		}
		transport.DialContext = dialer
	} else {
		transport.Proxy = http.ProxyURL(p.URL())
		transport.DialContext = (&net.Dialer{Timeout: c.cfg.Timeout}).DialContext
	}
	return c.client(transport), nil
}

func (c *Checker) client(transport *http.Transport) *http.Client {
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	transport.DisableKeepAlives = true
	transport.DisableCompression = true
	transport.MaxIdleConns = 0
	transport.IdleConnTimeout = time.Second
	transport.TLSHandshakeTimeout = c.cfg.Timeout
	transport.ResponseHeaderTimeout = c.cfg.Timeout
	transport.ExpectContinueTimeout = time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   c.cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// createSOCKSDialer returns a dialer through a SOCKS5 proxy. SOCKS4 proxies
// are dialed the same way since most of them also speak SOCKS5.
func createSOCKSDialer(p proxy.Proxy, timeout time.Duration) (dialFunc, error) {
	forward := &net.Dialer{Timeout: timeout}
	dialer, err := netproxy.SOCKS5("tcp", p.String(), p.SOCKSAuth(), forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS dialer: %w", err)
	}
	if cd, ok := dialer.(netproxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// probeError marks failures on our side of the probe, such as a bad request
// URL or an unreachable echo endpoint. They are never blamed on the proxy.
type probeError struct {
	err error
}

func (e *probeError) Error() string { return e.err.Error() }
func (e *probeError) Unwrap() error { return e.err }

func statusFor(err error) ProxyStatus {
	var pe *probeError
	switch {
	case err == nil:
		return StatusHealthy
	case errors.As(err, &pe):
		return StatusError
	case errors.Is(err, ErrNotAnonymous), errors.Is(err, ErrUnexpectedStatus):
		return StatusInvalid
	}
	return classifyError(err)
}

// classifyError maps a transport error to a status. Errors that cannot be
// attributed to the proxy come back as StatusError.
func classifyError(err error) ProxyStatus {
	if errors.Is(err, context.Canceled) {
		return StatusError
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutError(err) {
		return StatusTimeout
	}
	if isConnectionError(err) {
		return StatusUnreachable
	}
	return StatusError
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var (
		opErr     *net.OpError
		dnsErr    *net.DNSError
		recordErr tls.RecordHeaderError
	)
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &recordErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset",
		"proxyconnect",
		"server closed",
		"malformed http response",
		"socks",
		"tls:",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// CheckSingle validates raw and writes a human readable result to w. Used by
// the command line for manual debugging.
func CheckSingle(ctx context.Context, c *Checker, raw string, w io.Writer) (CheckResult, error) {
	p, err := proxy.Parse(raw)
	if err != nil {
		return CheckResult{}, err
	}

	fmt.Fprintf(w, "Testing proxy %s...\n", p)
	result := c.Validate(ctx, p)
	fmt.Fprintf(w, "Result: %s (%s, took %v)\n", result.Status, result.Status.Category(), result.ResponseTime.Round(time.Millisecond))
	if result.Error != nil {
		fmt.Fprintf(w, "Error: %v\n", result.Error)
	}
	c.logger.DebugBg("Checked %s: %s", p, result.Status)
	return result, nil
}
