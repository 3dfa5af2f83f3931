package api

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"proxypool/pkg/getter"
	"proxypool/pkg/manager"
	"proxypool/pkg/proxy"
	"proxypool/pkg/scraper"
	"proxypool/pkg/store"
	"proxypool/pkg/tester"
)

func newPool(t *testing.T, seeds ...string) (*manager.Manager, *store.Store) {
	t.Helper()
	s, err := store.New(store.NewMemoryBackend(), store.DefaultScores())
	require.NoError(t, err)
	g := getter.New(s, []scraper.Crawler{scraper.NewStaticCrawler(seeds)}, 100)
	m := manager.NewManager(s, g, tester.New(s, nil, 10), manager.DefaultOptions())
	_, err = m.RunGetter(context.Background())
	require.NoError(t, err)
	return m, s
}

func do(t *testing.T, a *API, method, uri string) *fasthttp.RequestCtx {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	a.Router().Handler(&ctx)
	return &ctx
}

func TestIndexAndHealthz(t *testing.T) {
	m, _ := newPool(t)
	a := New(m, 0)

	ctx := do(t, a, "GET", "/")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "Proxy Pool")

	ctx = do(t, a, "GET", "/healthz")
	assert.Equal(t, "alive!\n", string(ctx.Response.Body()))
}

func TestRandomEmptyPool(t *testing.T) {
	m, _ := newPool(t)
	ctx := do(t, New(m, 0), "GET", "/random")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
}

func TestRandomPrefersProven(t *testing.T) {
	m, s := newPool(t, "1.1.1.1:80", "2.2.2.2:80")
	require.NoError(t, s.IncreaseToMax(context.Background(), proxy.MustParse("2.2.2.2:80")))
	a := New(m, 0)

	for i := 0; i < 20; i++ {
		ctx := do(t, a, "GET", "/random")
		require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
		assert.Equal(t, "2.2.2.2:80", string(ctx.Response.Body()))
	}
}

func TestCountAndAll(t *testing.T) {
	m, _ := newPool(t, "1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80")
	a := New(m, 0)

	ctx := do(t, a, "GET", "/count")
	assert.Equal(t, "3", string(ctx.Response.Body()))

	ctx = do(t, a, "GET", "/all")
	lines := strings.Split(string(ctx.Response.Body()), "\n")
	sort.Strings(lines)
	assert.Equal(t, []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"}, lines)
}

func TestStats(t *testing.T) {
	m, s := newPool(t, "1.1.1.1:80", "2.2.2.2:80")
	require.NoError(t, s.IncreaseToMax(context.Background(), proxy.MustParse("1.1.1.1:80")))

	ctx := do(t, New(m, 0), "GET", "/stats")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp statsResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.EqualValues(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Proven)
	assert.Equal(t, 1, resp.Fresh)
	assert.Equal(t, 2, resp.LastAdded)
}

func TestReport(t *testing.T) {
	m, s := newPool(t, "1.1.1.1:80")
	a := New(m, 0)

	ctx := do(t, a, "POST", "/report?proxy=1.1.1.1:80")
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())

	score, _, err := s.Score(context.Background(), proxy.MustParse("1.1.1.1:80"))
	require.NoError(t, err)
	assert.Equal(t, s.Scores().Init-1, score)

	ctx = do(t, a, "POST", "/report?proxy=bogus")
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestUnknownRoute(t *testing.T) {
	m, _ := newPool(t)
	ctx := do(t, New(m, 0), "GET", "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}
