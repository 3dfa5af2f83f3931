package scraper

func NewGitHubProxyScraper() Crawler {
	return NewGitHubProxyScraperWithConfig(ScraperConfig{})
}

func NewGitHubProxyScraperWithConfig(config ScraperConfig) Crawler {
	return &textList{
		fetcher: newFetcher("github", config),
		name:    "github",
		urls: []string{
			"https://raw.githubusercontent.com/proxifly/free-proxy-list/refs/heads/main/proxies/all/data.txt",
		},
	}
}
