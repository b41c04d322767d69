package cardimage

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/cardimages/internal/errors"
	"github.com/tphakala/cardimages/internal/logger"
	"github.com/tphakala/cardimages/internal/mediawiki"
)

// imageInfoAPI is the part of the MediaWiki client the bulk fetcher needs.
type imageInfoAPI interface {
	ImageURLs(ctx context.Context, files []string) (map[string]string, error)
	Probe(ctx context.Context) error
}

var _ imageInfoAPI = (*mediawiki.Client)(nil)

// BulkFetcher resolves a whole batch through the MediaWiki API
// (prop=imageinfo, 50 titles per query) and downloads the returned URLs
// concurrently.
type BulkFetcher struct {
	api      imageInfoAPI
	http     getter
	probeKey string
	opts     fetchOptions
}

// NewBulkFetcher returns a bulk fetcher. probeKey names the API endpoint in
// the probe cache; concurrency and timeout bound the downloads.
func NewBulkFetcher(api imageInfoAPI, hc getter, probeKey string, concurrency int, timeout time.Duration, log logger.Logger) *BulkFetcher {
	return &BulkFetcher{
		api:      api,
		http:     hc,
		probeKey: probeKey,
		opts:     newFetchOptions(concurrency, timeout, log),
	}
}

// Name implements Fetcher.
func (f *BulkFetcher) Name() string { return "bulk" }

// ProbeKey implements Prober.
func (f *BulkFetcher) ProbeKey() string { return "bulk|" + f.probeKey }

// Availability implements Prober with a siteinfo query.
func (f *BulkFetcher) Availability(ctx context.Context) Availability {
	if f.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.timeout)
		defer cancel()
	}

	a := Availability{CheckedAt: time.Now()}
	if err := f.api.Probe(ctx); err != nil {
		a.Reason = err.Error()
		return a
	}
	a.Available = true
	return a
}

// Fetch implements Fetcher. Identifiers the API has no file for fail with
// ErrImageNotFound without a download attempt.
func (f *BulkFetcher) Fetch(ctx context.Context, identifiers []string, dest *Store) ([]FetchResult, error) {
	if len(identifiers) == 0 {
		return nil, nil
	}

	urls, err := f.api.ImageURLs(ctx, identifiers)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failAll(identifiers, ctxErr), nil
		}
		f.opts.log.Warn("Image info query failed",
			logger.Int("identifiers", len(identifiers)),
			logger.Error(err))
		return nil, errors.New(fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err)).
			Component(componentName).
			Category(errors.CategoryImageProvider).
			Context("fetcher", f.Name()).
			Build()
	}

	results := fetchAll(ctx, identifiers, f.opts.concurrency, func(ctx context.Context, id string) FetchResult {
		u, ok := urls[id]
		if !ok {
			return FetchResult{
				Identifier: id,
				Err:        fmt.Errorf("%w: %s", ErrImageNotFound, id),
			}
		}
		return download(ctx, f.http, u, id, dest, f.opts.timeout)
	})

	f.opts.log.Debug("Bulk batch finished",
		logger.Int("identifiers", len(identifiers)),
		logger.Int("resolved", len(urls)))
	return results, nil
}
