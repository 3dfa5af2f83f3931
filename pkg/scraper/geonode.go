package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net"
)

type GeonodeAPIScraper struct {
	fetcher
	apiURL string
}

type GeonodeResponse struct {
	Data  []GeonodeProxy `json:"data"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

type GeonodeProxy struct {
	IP             string   `json:"ip"`
	Port           string   `json:"port"`
	Protocols      []string `json:"protocols"`
	Country        string   `json:"country"`
	AnonymityLevel string   `json:"anonymityLevel"`
}

func NewGeonodeAPIScraper() *GeonodeAPIScraper {
	return NewGeonodeAPIScraperWithConfig(ScraperConfig{})
}

func NewGeonodeAPIScraperWithConfig(config ScraperConfig) *GeonodeAPIScraper {
	return &GeonodeAPIScraper{
		fetcher: newFetcher("geonode", config),
		apiURL:  "https://proxylist.geonode.com/api/proxy-list?limit=500&page=1&sort_by=lastChecked&sort_type=desc",
	}
}

func (g *GeonodeAPIScraper) Name() string {
	return "geonode"
}

// Crawl yields one "protocol://ip:port" entry per listed proxy, using the
// first protocol geonode reports for it.
func (g *GeonodeAPIScraper) Crawl(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		resp, err := g.fetch(ctx)
		if err != nil {
			g.logger.WarnBg("Geonode API failed: %v", err)
			return
		}

		count := 0
		for _, gp := range resp.Data {
			if gp.IP == "" || gp.Port == "" {
				continue
			}
			entry := net.JoinHostPort(gp.IP, gp.Port)
			if len(gp.Protocols) > 0 {
				entry = gp.Protocols[0] + "://" + entry
			}
			count++
			if !yield(entry) {
				return
			}
		}
		g.logger.InfoBg("Geonode API collected %d of %d listed proxies", count, resp.Total)
	}
}

func (g *GeonodeAPIScraper) fetch(ctx context.Context) (*GeonodeResponse, error) {
	body, err := g.get(ctx, g.apiURL, "application/json")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp GeonodeResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &resp, nil
}
