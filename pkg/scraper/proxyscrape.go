package scraper

// NewProxyScrapeAPI crawls the proxyscrape v4 list, which prefixes every
// entry with its protocol.
func NewProxyScrapeAPI() Crawler {
	return NewProxyScrapeAPIWithConfig(ScraperConfig{})
}

func NewProxyScrapeAPIWithConfig(config ScraperConfig) Crawler {
	return &textList{
		fetcher: newFetcher("proxyscrape", config),
		name:    "proxyscrape",
		urls: []string{
			"https://api.proxyscrape.com/v4/free-proxy-list/get?request=get_proxies&proxy_format=protocolipport&format=text",
		},
	}
}
