package cardimage

import (
	"context"
	"time"

	"github.com/tphakala/cardimages/internal/logger"
	"github.com/tphakala/cardimages/internal/mediawiki"
)

// DirectFetcher downloads files straight from the static media host using
// MediaWiki's md5 shard layout. It needs no API and is always available.
type DirectFetcher struct {
	host string
	http getter
	opts fetchOptions
}

// NewDirectFetcher returns a fetcher for the media host base URL.
func NewDirectFetcher(host string, hc getter, concurrency int, timeout time.Duration, log logger.Logger) *DirectFetcher {
	return &DirectFetcher{
		host: host,
		http: hc,
		opts: newFetchOptions(concurrency, timeout, log),
	}
}

// Name implements Fetcher.
func (f *DirectFetcher) Name() string { return "direct" }

// Fetch implements Fetcher. It never returns an error.
func (f *DirectFetcher) Fetch(ctx context.Context, identifiers []string, dest *Store) ([]FetchResult, error) {
	results := fetchAll(ctx, identifiers, f.opts.concurrency, func(ctx context.Context, id string) FetchResult {
		return download(ctx, f.http, mediawiki.StaticURL(f.host, id), id, dest, f.opts.timeout)
	})

	ok := 0
	for _, r := range results {
		if r.Succeeded {
			ok++
		}
	}
	f.opts.log.Debug("Direct batch finished",
		logger.Int("identifiers", len(identifiers)),
		logger.Int("downloaded", ok))
	return results, nil
}
