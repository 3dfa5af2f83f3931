package scraper

import (
	"context"
	"fmt"
	"iter"
	"net"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FreeProxyListScraper reads the HTML table published by free-proxy-list.net
// and its mirrors.
type FreeProxyListScraper struct {
	fetcher
	urls []string
}

func NewFreeProxyListScraper() *FreeProxyListScraper {
	return NewFreeProxyListScraperWithConfig(ScraperConfig{})
}

func NewFreeProxyListScraperWithConfig(config ScraperConfig) *FreeProxyListScraper {
	return &FreeProxyListScraper{
		fetcher: newFetcher("freeproxylist", config),
		urls: []string{
			"https://free-proxy-list.net/",
			"https://www.sslproxies.org/",
		},
	}
}

func (f *FreeProxyListScraper) Name() string {
	return "freeproxylist"
}

func (f *FreeProxyListScraper) Crawl(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, pageURL := range f.urls {
			entries, err := f.scrapePage(ctx, pageURL)
			if err != nil {
				f.logger.WarnBg("freeproxylist failed: %v", err)
				continue
			}
			f.logger.InfoBg("freeproxylist collected %d entries from %s", len(entries), pageURL)
			for _, e := range entries {
				if !yield(e) {
					return
				}
			}
		}
	}
}

// scrapePage extracts ip, port and the "Https" column of each table row.
func (f *FreeProxyListScraper) scrapePage(ctx context.Context, pageURL string) ([]string, error) {
	body, err := f.get(ctx, pageURL, "text/html")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var entries []string
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if ip == "" || port == "" {
			return
		}

		scheme := "http"
		if strings.EqualFold(strings.TrimSpace(cells.Eq(6).Text()), "yes") {
			scheme = "https"
		}
		entries = append(entries, scheme+"://"+net.JoinHostPort(ip, port))
	})
	return entries, nil
}
