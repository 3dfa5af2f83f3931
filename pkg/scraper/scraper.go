package scraper

import "proxypool/internal/logger"

// Sources lists every crawler name understood by NewCrawlers.
var Sources = []string{"proxyscrape", "github", "proxylistorg", "geonode", "freeproxylist", "static"}

// NewCrawlers builds the crawlers named in config.Sources, in order. Unknown
// names are logged and skipped. An empty list selects every network source,
// plus the static source when seeds are configured.
func NewCrawlers(config ScraperConfig) []Crawler {
	l := logger.New("scraper")
	sources := config.Sources
	if len(sources) == 0 {
		sources = []string{"proxyscrape", "github", "proxylistorg", "geonode", "freeproxylist"}
		if len(config.StaticProxies) > 0 {
			sources = append(sources, "static")
		}
	}

	var crawlers []Crawler
	for _, source := range sources {
		switch source {
		case "proxyscrape":
			crawlers = append(crawlers, NewProxyScrapeAPIWithConfig(config))
		case "github":
			crawlers = append(crawlers, NewGitHubProxyScraperWithConfig(config))
		case "proxylistorg":
			crawlers = append(crawlers, NewProxyListOrgScraperWithConfig(config))
		case "geonode":
			crawlers = append(crawlers, NewGeonodeAPIScraperWithConfig(config))
		case "freeproxylist":
			crawlers = append(crawlers, NewFreeProxyListScraperWithConfig(config))
		case "static":
			crawlers = append(crawlers, NewStaticCrawler(config.StaticProxies))
		default:
			l.WarnBg("Unknown crawler source %q, skipping", source)
		}
	}
	return crawlers
}
