package getter

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"proxypool/internal/logger"
	"proxypool/pkg/scraper"
	"proxypool/pkg/store"
)

const DefaultPoolCeiling = 50000

type Report struct {
	Crawled  int
	Added    int
	Rejected int
	Skipped  bool
}

// Getter feeds crawler output into the store until the pool reaches its
// ceiling.
type Getter struct {
	store    *store.Store
	crawlers []scraper.Crawler
	ceiling  int64
	logger   *logger.Logger
}

func New(s *store.Store, crawlers []scraper.Crawler, ceiling int64) *Getter {
	if ceiling <= 0 {
		ceiling = DefaultPoolCeiling
	}
	return &Getter{
		store:    s,
		crawlers: crawlers,
		ceiling:  ceiling,
		logger:   logger.New("getter"),
	}
}

// IsFull reports whether the pool holds at least the ceiling.
func (g *Getter) IsFull(ctx context.Context) (bool, error) {
	n, err := g.store.Count(ctx)
	if err != nil {
		return false, err
	}
	return n >= g.ceiling, nil
}

// Run drains every crawler in turn. The ceiling is checked before each
// crawler, not per entry, so one crawler may overshoot it. Store failures
// are collected and the run goes on with the next entry.
func (g *Getter) Run(ctx context.Context) (Report, error) {
	id := logger.GenerateID()
	var (
		report Report
		errs   error
	)

	for _, c := range g.crawlers {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, err)
		}

		full, err := g.IsFull(ctx)
		if err != nil {
			return report, multierr.Append(errs, err)
		}
		if full {
			report.Skipped = true
			g.logger.Info(id, "Pool reached ceiling of %d, stopping crawl", g.ceiling)
			break
		}

		added, rejected := 0, 0
		for raw := range c.Crawl(ctx) {
			report.Crawled++
			ok, err := g.store.Add(ctx, raw)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("crawler %s: %w", c.Name(), err))
				continue
			}
			if ok {
				added++
			} else {
				rejected++
			}
		}
		report.Added += added
		report.Rejected += rejected
		g.logger.Info(id, "Crawler %s: %d added, %d duplicate or invalid", c.Name(), added, rejected)
	}

	g.logger.Info(id, "Crawl finished: %d crawled, %d added", report.Crawled, report.Added)
	return report, errs
}
