package scraper

import (
	"bufio"
	"context"
	"iter"
	"strings"
)

// textList crawls plain text lists with one proxy per line, either
// "host:port" or "scheme://host:port". Lines are passed through untouched
// apart from trimming; blank lines and # comments are dropped.
type textList struct {
	fetcher
	name string
	urls []string
}

func (t *textList) Name() string {
	return t.name
}

func (t *textList) Crawl(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, listURL := range t.urls {
			count, ok := t.crawlURL(ctx, listURL, yield)
			if !ok {
				return
			}
			t.logger.InfoBg("%s collected %d entries from %s", t.name, count, listURL)
		}
	}
}

// crawlURL streams one list. ok is false when the consumer stopped early.
func (t *textList) crawlURL(ctx context.Context, listURL string, yield func(string) bool) (count int, ok bool) {
	body, err := t.get(ctx, listURL, "text/plain")
	if err != nil {
		t.logger.WarnBg("%s failed: %v", t.name, err)
		return 0, true
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		count++
		if !yield(line) {
			return count, false
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.WarnBg("%s stopped reading %s: %v", t.name, listURL, err)
	}
	return count, true
}
