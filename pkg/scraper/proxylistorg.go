package scraper

func NewProxyListOrgScraper() Crawler {
	return NewProxyListOrgScraperWithConfig(ScraperConfig{})
}

func NewProxyListOrgScraperWithConfig(config ScraperConfig) Crawler {
	return &textList{
		fetcher: newFetcher("proxylistorg", config),
		name:    "proxylistorg",
		urls: []string{
			"https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt",
			"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
		},
	}
}
