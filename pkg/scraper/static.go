package scraper

import (
	"context"
	"iter"
	"slices"
)

// StaticCrawler yields a fixed list of seed proxies from configuration.
type StaticCrawler struct {
	proxies []string
}

func NewStaticCrawler(proxies []string) *StaticCrawler {
	return &StaticCrawler{proxies: slices.Clone(proxies)}
}

func (s *StaticCrawler) Name() string {
	return "static"
}

func (s *StaticCrawler) Crawl(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, p := range s.proxies {
			if ctx.Err() != nil || !yield(p) {
				return
			}
		}
	}
}
