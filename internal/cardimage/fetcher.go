package cardimage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/cardimages/internal/conf"
	"github.com/tphakala/cardimages/internal/errors"
	"github.com/tphakala/cardimages/internal/logger"
)

// Sentinel errors of the acquisition core.
var (
	// ErrCapabilityUnavailable is the only error a Fetcher returns for a
	// whole batch. The caller switches to the direct fetcher on it.
	ErrCapabilityUnavailable = errors.NewStd("fetch capability unavailable")

	// ErrImageNotFound marks an identifier the remote side has no file for.
	ErrImageNotFound = errors.NewStd("image not found")

	// ErrInvalidGeometry is returned for crop settings that cannot be applied.
	ErrInvalidGeometry = errors.NewStd("invalid crop geometry")
)

const defaultConcurrency = 8

// FetchResult is the outcome for one identifier of a batch.
type FetchResult struct {
	Item       string        // card name, filled in by the resolver
	Identifier string        // remote file name
	Succeeded  bool          // file is present at Path
	Path       string        // staged file, see Store.WriteFile
	Err        error         // why the item failed
	Elapsed    time.Duration // transfer time
}

// Fetcher downloads a batch of remote files into a store.
//
// Results are aligned with identifiers. Per-item problems are reported in
// the results and never abort the batch; the returned error is reserved for
// ErrCapabilityUnavailable.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, identifiers []string, dest *Store) ([]FetchResult, error)
}

// Availability is the typed result of probing a fetcher.
type Availability struct {
	Available bool
	Reason    string
	CheckedAt time.Time
}

// Prober is implemented by fetchers that depend on a remote capability.
// ProbeKey identifies the remote endpoint for memoization.
type Prober interface {
	Availability(ctx context.Context) Availability
	ProbeKey() string
}

// getter is the HTTP surface used for downloads. *httpclient.Client implements it.
type getter interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// fetchOptions are shared by both fetchers.
type fetchOptions struct {
	concurrency int
	timeout     time.Duration
	log         logger.Logger
}

func newFetchOptions(concurrency int, timeout time.Duration, log logger.Logger) fetchOptions {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return fetchOptions{concurrency: concurrency, timeout: timeout, log: log}
}

// fetchAll runs fn for every distinct identifier with bounded concurrency
// and returns results aligned with identifiers. Duplicates share one transfer.
func fetchAll(ctx context.Context, identifiers []string, limit int, fn func(ctx context.Context, identifier string) FetchResult) []FetchResult {
	first := make(map[string]int, len(identifiers))
	var unique []string
	for _, id := range identifiers {
		if _, seen := first[id]; !seen {
			first[id] = len(unique)
			unique = append(unique, id)
		}
	}

	done := make([]FetchResult, len(unique))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range unique {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				done[i] = FetchResult{Identifier: id, Err: err}
				return nil
			}
			done[i] = fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]FetchResult, len(identifiers))
	for i, id := range identifiers {
		results[i] = done[first[id]]
	}
	return results
}

// download fetches url into dest under identifier with its own timeout.
func download(ctx context.Context, hc getter, rawURL, identifier string, dest *Store, timeout time.Duration) (result FetchResult) {
	result.Identifier = identifier
	start := time.Now()
	defer func() { result.Elapsed = time.Since(start) }()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := hc.Get(ctx, rawURL)
	if err != nil {
		result.Err = errors.New(err).
			Component(componentName).
			Category(errors.CategoryImageFetch).
			Context("identifier", identifier).
			Build()
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		result.Err = errors.New(fmt.Errorf("%w: %s", ErrImageNotFound, identifier)).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Context("identifier", identifier).
			Build()
		return result
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		result.Err = errors.Newf("image download status %d", resp.StatusCode).
			Component(componentName).
			Category(errors.CategoryHTTP).
			Context("identifier", identifier).
			Context("status_code", resp.StatusCode).
			Build()
		return result
	}

	path, err := dest.WriteFile(identifier, resp.Body)
	if err != nil {
		result.Err = err
		return result
	}
	result.Path = path
	result.Succeeded = true
	return result
}

// failAll marks every identifier as failed with err.
func failAll(identifiers []string, err error) []FetchResult {
	results := make([]FetchResult, len(identifiers))
	for i, id := range identifiers {
		results[i] = FetchResult{Identifier: id, Err: err}
	}
	return results
}

// ProbeCache remembers probe results so repeated runs within ttl do not
// query the API again. Safe for concurrent use.
type ProbeCache struct {
	c *cache.Cache
}

// NewProbeCache returns a cache whose entries expire after ttl.
func NewProbeCache(ttl time.Duration) *ProbeCache {
	// expired entries are dropped on read; no janitor goroutine
	return &ProbeCache{c: cache.New(ttl, 0)}
}

func (p *ProbeCache) get(key string) (Availability, bool) {
	v, ok := p.c.Get(key)
	if !ok {
		return Availability{}, false
	}
	a, ok := v.(Availability)
	return a, ok
}

func (p *ProbeCache) set(key string, a Availability) {
	p.c.SetDefault(key, a)
}

// Selector picks the fetcher for a run from the images.fetcher setting.
type Selector struct {
	mode   string
	bulk   Fetcher
	direct Fetcher
	probes *ProbeCache
	log    logger.Logger
}

// NewSelector returns a selector for mode (auto, bulk or direct).
// probes may be nil to disable memoization.
func NewSelector(mode string, bulk, direct Fetcher, probes *ProbeCache, log logger.Logger) *Selector {
	if log == nil {
		log = logger.Global().Module(componentName)
	}
	return &Selector{mode: mode, bulk: bulk, direct: direct, probes: probes, log: log}
}

// Select returns the fetcher to start with and the one to switch to when it
// reports ErrCapabilityUnavailable. fallback is nil for direct mode.
func (s *Selector) Select(ctx context.Context) (primary, fallback Fetcher) {
	switch s.mode {
	case conf.FetcherDirect:
		return s.direct, nil
	case conf.FetcherBulk:
		return s.bulk, s.direct
	}

	a := s.availability(ctx)
	if !a.Available {
		s.log.Info("Bulk fetcher unavailable, using direct downloads",
			logger.String("reason", a.Reason))
		return s.direct, nil
	}
	return s.bulk, s.direct
}

func (s *Selector) availability(ctx context.Context) Availability {
	prober, ok := s.bulk.(Prober)
	if !ok {
		return Availability{Available: true, CheckedAt: time.Now()}
	}

	key := prober.ProbeKey()
	if s.probes != nil {
		if a, ok := s.probes.get(key); ok {
			s.log.Debug("Using cached fetcher probe",
				logger.String("fetcher", key),
				logger.Bool("available", a.Available))
			return a
		}
	}

	a := prober.Availability(ctx)
	// a cancelled probe says nothing about the remote side
	if s.probes != nil && ctx.Err() == nil {
		s.probes.set(key, a)
	}
	return a
}
