package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxypool/pkg/manager"
	"proxypool/pkg/proxy"
	"proxypool/pkg/store"
)

type fakeManager struct {
	mu       sync.Mutex
	upstream *proxy.Proxy
	stats    manager.Stats
	failures []proxy.Proxy
}

func (f *fakeManager) GetRandomProxy(ctx context.Context) (proxy.Proxy, error) {
	if f.upstream == nil {
		return proxy.Proxy{}, store.ErrPoolEmpty
	}
	return *f.upstream, nil
}

func (f *fakeManager) ReportProxyFailure(ctx context.Context, p proxy.Proxy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, p)
}

func (f *fakeManager) GetStats(ctx context.Context) (manager.Stats, error) {
	return f.stats, nil
}

func (f *fakeManager) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failures)
}

func testConfig() *Config {
	c := DefaultConfig()
	c.DialTimeout = 2 * time.Second
	c.UpstreamTimeout = 2 * time.Second
	return c
}

func closedAddr(t *testing.T) proxy.Proxy {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := proxy.MustParse(l.Addr().String())
	require.NoError(t, l.Close())
	return p
}

func TestHealth(t *testing.T) {
	mgr := &fakeManager{}
	s := NewServer(mgr, testConfig())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	mgr.stats = manager.Stats{TotalProxies: 4, HealthyCount: 1}
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "4 proxies available")
}

func TestStats(t *testing.T) {
	mgr := &fakeManager{stats: manager.Stats{TotalProxies: 5, HealthyCount: 2, FreshCount: 3}}
	s := NewServer(mgr, testConfig())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 5, resp.Pool.Total)
	assert.Equal(t, 2, resp.Pool.Proven)
	assert.Equal(t, 3, resp.Pool.Fresh)
}

func TestRejectsRelativeRequests(t *testing.T) {
	s := NewServer(&fakeManager{}, testConfig())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNoProxyAvailable(t *testing.T) {
	s := NewServer(&fakeManager{}, testConfig())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://target.invalid/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.EqualValues(t, 1, s.stats.FailedRequests)
}

func TestForwardsThroughUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "target.invalid", r.Host)
		assert.Equal(t, "/path", r.URL.Path)
		assert.Empty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "kept", r.Header.Get("X-Custom"))
		w.Header().Set("Server", "upstream/1.0")
		w.Header().Set("X-Reply", "yes")
		fmt.Fprint(w, "hello")
	}))
	defer upstream.Close()

	up := proxy.MustParse(upstream.Listener.Addr().String())
	mgr := &fakeManager{upstream: &up}
	s := NewServer(mgr, testConfig())

	req := httptest.NewRequest(http.MethodGet, "http://target.invalid/path", nil)
	req.Header.Set("X-Forwarded-For", "10.1.1.1")
	req.Header.Set("X-Custom", "kept")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Reply"))
	assert.Empty(t, rec.Header().Get("Server"))
	assert.Zero(t, mgr.failureCount())
	assert.EqualValues(t, 1, s.stats.RequestsHandled)
	assert.EqualValues(t, 5, s.stats.BytesTransferred)
}

func TestUpstreamFailureIsReported(t *testing.T) {
	up := closedAddr(t)
	mgr := &fakeManager{upstream: &up}
	s := NewServer(mgr, testConfig())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://target.invalid/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 1, mgr.failureCount())
}

// connectUpstream accepts one CONNECT, answers 200 and echoes the tunnel.
func connectUpstream(t *testing.T) proxy.Proxy {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\n\r\n")
		io.Copy(conn, br)
	}()
	return proxy.MustParse(l.Addr().String())
}

func TestConnectTunnel(t *testing.T) {
	up := connectUpstream(t)
	mgr := &fakeManager{upstream: &up}
	gw := httptest.NewServer(NewServer(mgr, testConfig()))
	defer gw.Close()

	conn, err := net.Dial("tcp", gw.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprint(conn, "CONNECT target.invalid:443 HTTP/1.1\r\nHost: target.invalid:443\r\n\r\n")
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(status, "HTTP/1.1 200"), status)
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", blank)

	_, err = io.WriteString(conn, "ping")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	assert.Zero(t, mgr.failureCount())
}

func TestConnectFailureIsReported(t *testing.T) {
	up := closedAddr(t)
	mgr := &fakeManager{upstream: &up}
	gw := httptest.NewServer(NewServer(mgr, testConfig()))
	defer gw.Close()

	conn, err := net.Dial("tcp", gw.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprint(conn, "CONNECT target.invalid:443 HTTP/1.1\r\nHost: target.invalid:443\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 1, mgr.failureCount())
}

func TestConnectSendsUpstreamCredentials(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			got <- ""
			return
		}
		got <- req.Header.Get("Proxy-Authorization")
		io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
	}()

	up := proxy.MustParse("alice:s3cret@" + l.Addr().String())
	mgr := &fakeManager{upstream: &up}
	gw := httptest.NewServer(NewServer(mgr, testConfig()))
	defer gw.Close()

	conn, err := net.Dial("tcp", gw.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	fmt.Fprint(conn, "CONNECT target.invalid:443 HTTP/1.1\r\nHost: target.invalid:443\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, up.BasicAuth(), <-got)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
