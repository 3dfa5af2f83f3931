package scraper

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"proxypool/internal/logger"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// Crawler yields candidate proxy addresses from one public source. The
// sequence is lazy and finite; entries are not validated.
type Crawler interface {
	Name() string
	Crawl(ctx context.Context) iter.Seq[string]
}

type ScraperConfig struct {
	Timeout       time.Duration
	UserAgent     string
	Sources       []string
	StaticProxies []string
}

func (c ScraperConfig) withDefaults() ScraperConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// fetcher is the HTTP plumbing shared by the crawlers.
type fetcher struct {
	client    *http.Client
	userAgent string
	logger    *logger.Logger
}

func newFetcher(name string, config ScraperConfig) fetcher {
	config = config.withDefaults()
	return fetcher{
		client:    &http.Client{Timeout: config.Timeout},
		userAgent: config.UserAgent,
		logger:    logger.New(name),
	}
}

// get returns the body of a 200 response. The caller closes it.
func (f fetcher) get(ctx context.Context, rawURL, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}
