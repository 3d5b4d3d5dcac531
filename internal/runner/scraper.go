package runner

import (
	"context"
	"fmt"
	"time"
)

// Scraper extracts source fields for one SKU. The real implementation drives
// a browser out-of-process; the coordinator never sees any of that.
type Scraper interface {
	Scrape(ctx context.Context, scraper, sku string) (map[string]any, error)
}

// FakeScraper produces deterministic fields for local and test use.
type FakeScraper struct {
	Delay time.Duration
}

func (f *FakeScraper) Scrape(ctx context.Context, scraper, sku string) (map[string]any, error) {
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.Delay):
		}
	}
	return map[string]any{
		"title":    fmt.Sprintf("Product %s", sku),
		"source":   scraper,
		"in_stock": true,
	}, nil
}
