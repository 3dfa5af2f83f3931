package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"proxypool/internal/logger"
	"proxypool/pkg/getter"
	"proxypool/pkg/proxy"
	"proxypool/pkg/store"
	"proxypool/pkg/tester"
)

// ErrBusy is returned when a run is requested while the same job is running.
var ErrBusy = errors.New("job already running")

// ProxyManager is what the HTTP API and the gateway need from the pool.
type ProxyManager interface {
	GetRandomProxy(ctx context.Context) (proxy.Proxy, error)
	ReportProxyFailure(ctx context.Context, p proxy.Proxy)
	GetStats(ctx context.Context) (Stats, error)
}

type Stats struct {
	TotalProxies int64
	HealthyCount int
	FreshCount   int
	LastGetter   RunInfo[getter.Report]
	LastTester   RunInfo[tester.Report]
}

// RunInfo describes the most recent completed run of a job.
type RunInfo[R any] struct {
	FinishedAt time.Time
	Report     R
	Err        error
}

type Options struct {
	GetterInterval time.Duration
	TesterInterval time.Duration
	EnableGetter   bool
	EnableTester   bool
}

func DefaultOptions() Options {
	return Options{
		GetterInterval: 100 * time.Second,
		TesterInterval: 20 * time.Second,
		EnableGetter:   true,
		EnableTester:   true,
	}
}

type Manager struct {
	store  *store.Store
	getter *getter.Getter
	tester *tester.Tester
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logger.Logger

	getterRunning atomic.Bool
	testerRunning atomic.Bool

	mu         sync.RWMutex
	lastGetter RunInfo[getter.Report]
	lastTester RunInfo[tester.Report]
}

func NewManager(s *store.Store, g *getter.Getter, t *tester.Tester, opts Options) *Manager {
	return &Manager{
		store:  s,
		getter: g,
		tester: t,
		opts:   opts,
		logger: logger.New("manager"),
	}
}

// Start launches the enabled loops. Each loop runs its job once right away
// and then on every tick.
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.EnableGetter && (m.getter == nil || m.opts.GetterInterval <= 0) {
		return errors.New("getter loop needs a getter and a positive interval")
	}
	if m.opts.EnableTester && (m.tester == nil || m.opts.TesterInterval <= 0) {
		return errors.New("tester loop needs a tester and a positive interval")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	if m.opts.EnableGetter {
		m.wg.Add(1)
		go m.loop("getter", m.opts.GetterInterval, m.runGetterAsync)
	}
	if m.opts.EnableTester {
		m.wg.Add(1)
		go m.loop("tester", m.opts.TesterInterval, m.runTesterAsync)
	}

	m.logger.InfoBg("Proxy manager started (getter: %v every %v, tester: %v every %v)",
		m.opts.EnableGetter, m.opts.GetterInterval, m.opts.EnableTester, m.opts.TesterInterval)
	return nil
}

// Stop cancels the loops and waits for in-flight runs to return.
func (m *Manager) Stop() {
	m.logger.InfoBg("Stopping proxy manager...")
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.InfoBg("Proxy manager stopped")
}

// RunGetter runs one crawl unless one is already in progress.
func (m *Manager) RunGetter(ctx context.Context) (getter.Report, error) {
	if !m.getterRunning.CompareAndSwap(false, true) {
		return getter.Report{}, ErrBusy
	}
	defer m.getterRunning.Store(false)

	report, err := m.getter.Run(ctx)
	m.mu.Lock()
	m.lastGetter = RunInfo[getter.Report]{FinishedAt: time.Now(), Report: report, Err: err}
	m.mu.Unlock()
	return report, err
}

// RunTester runs one sweep unless one is already in progress.
func (m *Manager) RunTester(ctx context.Context) (tester.Report, error) {
	if !m.testerRunning.CompareAndSwap(false, true) {
		return tester.Report{}, ErrBusy
	}
	defer m.testerRunning.Store(false)

	report, err := m.tester.Run(ctx)
	m.mu.Lock()
	m.lastTester = RunInfo[tester.Report]{FinishedAt: time.Now(), Report: report, Err: err}
	m.mu.Unlock()
	return report, err
}

func (m *Manager) GetRandomProxy(ctx context.Context) (proxy.Proxy, error) {
	return m.store.PickRandom(ctx)
}

// ReportProxyFailure applies the routine decrement to a proxy that failed
// for a caller. A proxy that is already gone is ignored.
func (m *Manager) ReportProxyFailure(ctx context.Context, p proxy.Proxy) {
	adj, err := m.store.Decrease(ctx, p)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		m.logger.WarnBg("Failed to record failure of %s: %v", p, err)
	case adj.Evicted:
		m.logger.WarnBg("Removed failing proxy: %s", p)
	default:
		m.logger.DebugBg("Proxy %s failed, score now %d", p, adj.Score)
	}
}

func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	total, err := m.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	proven, fresh, err := m.store.Tiers(ctx)
	if err != nil {
		return Stats{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		TotalProxies: total,
		HealthyCount: proven,
		FreshCount:   fresh,
		LastGetter:   m.lastGetter,
		LastTester:   m.lastTester,
	}, nil
}

// ListProxies returns every proxy in the pool.
func (m *Manager) ListProxies(ctx context.Context) ([]proxy.Proxy, error) {
	return m.store.All(ctx)
}
