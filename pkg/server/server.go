package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	netproxy "golang.org/x/net/proxy"

	"proxypool/internal/logger"
	"proxypool/pkg/manager"
	"proxypool/pkg/proxy"
)

// Server is a forward proxy that sends every request through a proxy picked
// from the pool.
type Server struct {
	manager manager.ProxyManager
	server  *http.Server
	config  *Config
	stats   *Stats
	logger  *logger.Logger
}

type Config struct {
	ListenAddr      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	DialTimeout     time.Duration
	UpstreamTimeout time.Duration
	EnableHTTPS     bool
	StripHeaders    []string
	AddHeaders      map[string]string
}

type Stats struct {
	RequestsHandled   int64
	BytesTransferred  int64
	ActiveConnections int32
	FailedRequests    int64
	mu                sync.RWMutex
}

func NewServer(mgr manager.ProxyManager, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		manager: mgr,
		config:  config,
		stats:   &Stats{},
		logger:  logger.New("gateway"),
	}
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		DialTimeout:     10 * time.Second,
		UpstreamTimeout: 30 * time.Second,
		EnableHTTPS:     true,
		StripHeaders: []string{
			"X-Forwarded-For",
			"X-Real-IP",
			"X-Original-IP",
			"CF-Connecting-IP",
			"True-Client-IP",
		},
		AddHeaders: map[string]string{},
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	s.logger.InfoBg("Gateway listening on %s", s.config.ListenAddr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Host == "" {
		switch r.URL.Path {
		case "/stats":
			s.handleStats(w, r)
			return
		case "/health":
			s.handleHealth(w, r)
			return
		}
	}

	if !isValidProxyRequest(r) {
		http.Error(w, "Invalid proxy request", http.StatusBadRequest)
		return
	}

	id := logger.GenerateID()
	upstream, err := s.manager.GetRandomProxy(r.Context())
	if err != nil {
		s.incrementFailedRequests()
		s.logger.Warn(id, "No proxy available for %s %s: %v", r.Method, r.URL, err)
		http.Error(w, "No proxy available", http.StatusServiceUnavailable)
		return
	}
	s.logger.Debug(id, "%s %s via %s", r.Method, r.URL.Host, upstream)

	if r.Method == http.MethodConnect {
		s.handleConnect(id, w, r, upstream)
		return
	}
	s.proxyHTTPRequest(id, w, r, upstream)
}

// isValidProxyRequest accepts CONNECT and absolute-form requests only.
func isValidProxyRequest(r *http.Request) bool {
	if r.Method == http.MethodConnect {
		return r.URL.Host != ""
	}
	return r.URL.Scheme != "" && r.URL.Host != ""
}

func (s *Server) transport(upstream proxy.Proxy) *http.Transport {
	t := &http.Transport{
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: s.config.DialTimeout,
	}
	if upstream.IsSOCKS() {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return s.dialSOCKS(ctx, upstream, addr)
		}
	} else {
		t.Proxy = http.ProxyURL(upstream.URL())
		t.DialContext = (&net.Dialer{Timeout: s.config.DialTimeout}).DialContext
	}
	return t
}

func (s *Server) proxyHTTPRequest(id string, w http.ResponseWriter, r *http.Request, upstream proxy.Proxy) {
	s.incrementActiveConnections()
	defer s.decrementActiveConnections()

	client := &http.Client{
		Transport: s.transport(upstream),
		Timeout:   s.config.UpstreamTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req := r.Clone(r.Context())
	req.RequestURI = ""
	s.sanitizeRequest(req)

	resp, err := client.Do(req)
	if err != nil {
		s.manager.ReportProxyFailure(context.WithoutCancel(r.Context()), upstream)
		s.incrementFailedRequests()
		s.logger.Warn(id, "Request to %s via %s failed: %v", req.URL, upstream, err)
		http.Error(w, "Proxy request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	sanitizeResponse(resp)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		s.logger.Debug(id, "Error copying response: %v", err)
	}
	s.incrementRequestsHandled()
	s.addBytesTransferred(written)
}

// handleConnect opens a tunnel to the CONNECT target through upstream and
// splices it with the hijacked client connection.
func (s *Server) handleConnect(id string, w http.ResponseWriter, r *http.Request, upstream proxy.Proxy) {
	if !s.config.EnableHTTPS {
		http.Error(w, "HTTPS not supported", http.StatusMethodNotAllowed)
		return
	}

	s.incrementActiveConnections()
	defer s.decrementActiveConnections()

	target := r.URL.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.DialTimeout)
	upstreamConn, err := s.dialTunnel(ctx, upstream, target)
	cancel()
	if err != nil {
		s.manager.ReportProxyFailure(context.WithoutCancel(r.Context()), upstream)
		s.incrementFailedRequests()
		s.logger.Warn(id, "CONNECT to %s via %s failed: %v", target, upstream, err)
		http.Error(w, "Failed to connect through proxy", http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "Hijacking failed", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	s.splice(clientConn, upstreamConn)
	s.incrementRequestsHandled()
}

// dialTunnel returns a connection to target through upstream. HTTP proxies
// get a CONNECT request, SOCKS proxies a SOCKS5 handshake.
func (s *Server) dialTunnel(ctx context.Context, upstream proxy.Proxy, target string) (net.Conn, error) {
	if upstream.IsSOCKS() {
		return s.dialSOCKS(ctx, upstream, target)
	}

	d := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", upstream.String())
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	auth := ""
	if upstream.HasAuth() {
		auth = "Proxy-Authorization: " + upstream.BasicAuth() + "\r\n"
	}
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n%sProxy-Connection: keep-alive\r\n\r\n", target, target, auth)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream refused CONNECT: %s", resp.Status)
	}
	conn.SetDeadline(time.Time{})

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func (s *Server) dialSOCKS(ctx context.Context, upstream proxy.Proxy, target string) (net.Conn, error) {
	dialer, err := netproxy.SOCKS5("tcp", upstream.String(), upstream.SOCKSAuth(), &net.Dialer{Timeout: s.config.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS dialer: %w", err)
	}
	if cd, ok := dialer.(netproxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", target)
	}
	return dialer.Dial("tcp", target)
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (s *Server) splice(client, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		io.Copy(upstream, client)
		upstream.Close()
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		written, _ := io.Copy(client, upstream)
		s.addBytesTransferred(written)
		client.Close()
	}()

	<-done
	<-done
}

func (s *Server) sanitizeRequest(req *http.Request) {
	for _, header := range s.config.StripHeaders {
		req.Header.Del(header)
	}
	for key, value := range s.config.AddHeaders {
		req.Header.Set(key, value)
	}
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")
}

func sanitizeResponse(resp *http.Response) {
	resp.Header.Del("Server")
	resp.Header.Del("X-Powered-By")
	resp.Header.Del("Via")
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

type statsResponse struct {
	Pool struct {
		Total  int64 `json:"total"`
		Proven int   `json:"proven"`
		Fresh  int   `json:"fresh"`
	} `json:"pool"`
	Server struct {
		RequestsHandled   int64 `json:"requests_handled"`
		BytesTransferred  int64 `json:"bytes_transferred"`
		ActiveConnections int32 `json:"active_connections"`
		FailedRequests    int64 `json:"failed_requests"`
	} `json:"server"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	poolStats, err := s.manager.GetStats(r.Context())
	if err != nil {
		http.Error(w, "Failed to read pool stats", http.StatusInternalServerError)
		return
	}

	var resp statsResponse
	resp.Pool.Total = poolStats.TotalProxies
	resp.Pool.Proven = poolStats.HealthyCount
	resp.Pool.Fresh = poolStats.FreshCount

	s.stats.mu.RLock()
	resp.Server.RequestsHandled = s.stats.RequestsHandled
	resp.Server.BytesTransferred = s.stats.BytesTransferred
	resp.Server.ActiveConnections = s.stats.ActiveConnections
	resp.Server.FailedRequests = s.stats.FailedRequests
	s.stats.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	poolStats, err := s.manager.GetStats(r.Context())
	if err != nil || poolStats.TotalProxies == 0 {
		http.Error(w, "No proxies available", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK - %d proxies available, %d proven", poolStats.TotalProxies, poolStats.HealthyCount)
}

func (s *Server) incrementRequestsHandled() {
	s.stats.mu.Lock()
	s.stats.RequestsHandled++
	s.stats.mu.Unlock()
}

func (s *Server) incrementFailedRequests() {
	s.stats.mu.Lock()
	s.stats.FailedRequests++
	s.stats.mu.Unlock()
}

func (s *Server) incrementActiveConnections() {
	s.stats.mu.Lock()
	s.stats.ActiveConnections++
	s.stats.mu.Unlock()
}

func (s *Server) decrementActiveConnections() {
	s.stats.mu.Lock()
	s.stats.ActiveConnections--
	s.stats.mu.Unlock()
}

func (s *Server) addBytesTransferred(bytes int64) {
	s.stats.mu.Lock()
	s.stats.BytesTransferred += bytes
	s.stats.mu.Unlock()
}
