package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buaazp/fasthttprouter"
	"github.com/valyala/fasthttp"

	"proxypool/internal/logger"
	"proxypool/pkg/manager"
	"proxypool/pkg/proxy"
	"proxypool/pkg/store"
)

// Pool is the part of the manager the API serves.
type Pool interface {
	manager.ProxyManager
	ListProxies(ctx context.Context) ([]proxy.Proxy, error)
}

type API struct {
	pool    Pool
	timeout time.Duration
	logger  *logger.Logger
	server  *fasthttp.Server
}

func New(pool Pool, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &API{pool: pool, timeout: timeout, logger: logger.New("api")}
}

func (a *API) Router() *fasthttprouter.Router {
	router := fasthttprouter.New()
	router.GET("/", a.Index)
	router.GET("/random", a.Random)
	router.GET("/count", a.Count)
	router.GET("/all", a.All)
	router.GET("/stats", a.Stats)
	router.GET("/healthz", a.Healthz)
	router.POST("/report", a.Report)
	return router
}

// ListenAndServe blocks serving the API on addr until Shutdown is called.
func (a *API) ListenAndServe(addr string) error {
	a.server = &fasthttp.Server{
		Handler:      a.Router().Handler,
		Name:         "proxypool",
		ReadTimeout:  a.timeout,
		WriteTimeout: a.timeout,
	}
	a.logger.InfoBg("API listening on %s", addr)
	return a.server.ListenAndServe(addr)
}

func (a *API) Shutdown() error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

func (a *API) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.timeout)
}

func (a *API) Index(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/html; charset=utf-8")
	fmt.Fprint(ctx, "<h2>Welcome to Proxy Pool System</h2>")
}

// Random returns one proxy as host:port, preferring proven proxies.
func (a *API) Random(ctx *fasthttp.RequestCtx) {
	c, cancel := a.ctx()
	defer cancel()

	p, err := a.pool.GetRandomProxy(c)
	if errors.Is(err, store.ErrPoolEmpty) {
		ctx.Error("proxy pool is empty", fasthttp.StatusServiceUnavailable)
		return
	}
	if err != nil {
		a.fail(ctx, "random", err)
		return
	}
	ctx.SetContentType("text/plain; charset=utf-8")
	fmt.Fprint(ctx, p.String())
}

func (a *API) Count(ctx *fasthttp.RequestCtx) {
	c, cancel := a.ctx()
	defer cancel()

	stats, err := a.pool.GetStats(c)
	if err != nil {
		a.fail(ctx, "count", err)
		return
	}
	ctx.SetContentType("text/plain; charset=utf-8")
	fmt.Fprint(ctx, stats.TotalProxies)
}

// All lists every proxy, one per line.
func (a *API) All(ctx *fasthttp.RequestCtx) {
	c, cancel := a.ctx()
	defer cancel()

	proxies, err := a.pool.ListProxies(c)
	if err != nil {
		a.fail(ctx, "all", err)
		return
	}
	lines := make([]string, len(proxies))
	for i, p := range proxies {
		lines[i] = p.String()
	}
	ctx.SetContentType("text/plain; charset=utf-8")
	fmt.Fprint(ctx, strings.Join(lines, "\n"))
}

type statsResponse struct {
	Total      int64     `json:"total"`
	Proven     int       `json:"proven"`
	Fresh      int       `json:"fresh"`
	LastCrawl  time.Time `json:"last_crawl"`
	LastSweep  time.Time `json:"last_sweep"`
	LastTested int       `json:"last_tested"`
	LastAdded  int       `json:"last_added"`
}

func (a *API) Stats(ctx *fasthttp.RequestCtx) {
	c, cancel := a.ctx()
	defer cancel()

	stats, err := a.pool.GetStats(c)
	if err != nil {
		a.fail(ctx, "stats", err)
		return
	}
	body, err := json.Marshal(statsResponse{
		Total:      stats.TotalProxies,
		Proven:     stats.HealthyCount,
		Fresh:      stats.FreshCount,
		LastCrawl:  stats.LastGetter.FinishedAt,
		LastSweep:  stats.LastTester.FinishedAt,
		LastTested: stats.LastTester.Report.Tested,
		LastAdded:  stats.LastGetter.Report.Added,
	})
	if err != nil {
		a.fail(ctx, "stats", err)
		return
	}
	ctx.SetContentType("application/json; charset=utf-8")
	ctx.SetBody(body)
}

func (a *API) Healthz(ctx *fasthttp.RequestCtx) {
	fmt.Fprint(ctx, "alive!\n")
}

// Report lowers the score of the proxy named by the "proxy" query argument,
// for clients that found it broken.
func (a *API) Report(ctx *fasthttp.RequestCtx) {
	raw := string(ctx.QueryArgs().Peek("proxy"))
	p, err := proxy.Parse(raw)
	if err != nil {
		ctx.Error(fmt.Sprintf("invalid proxy %q: %v", raw, err), fasthttp.StatusBadRequest)
		return
	}

	c, cancel := a.ctx()
	defer cancel()
	a.pool.ReportProxyFailure(c, p)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (a *API) fail(ctx *fasthttp.RequestCtx, route string, err error) {
	a.logger.ErrorBg("GET /%s failed: %v", route, err)
	ctx.Error("internal error", fasthttp.StatusInternalServerError)
}
