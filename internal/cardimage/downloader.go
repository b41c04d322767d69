package cardimage

import (
	"context"
	"image"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/tphakala/cardimages/internal/conf"
	"github.com/tphakala/cardimages/internal/errors"
	"github.com/tphakala/cardimages/internal/httpclient"
	"github.com/tphakala/cardimages/internal/logger"
	"github.com/tphakala/cardimages/internal/mediawiki"
	"github.com/tphakala/cardimages/internal/observability/metrics"
)

// Config is threaded into every Download and Filename call.
type Config struct {
	// Images are the base settings, usually conf.Settings.Images.
	Images conf.ImageSettings

	// Overrides is the caller's per-call configuration map. Only
	// images.sizes.{ref,offset,crop} and images.base_path are read.
	Overrides map[string]any

	// Fs backs the cache directory; nil means the OS filesystem.
	Fs afero.Fs

	// Transport replaces the default HTTP transport, e.g. in tests.
	Transport http.RoundTripper

	// Probes keeps fetcher probe results across calls; nil probes per call.
	Probes *ProbeCache

	Logger  logger.Logger
	Metrics *metrics.CardImageMetrics
}

func (c *Config) logger() logger.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logger.Global().Module(componentName)
}

// TierReport counts one tier of a run.
type TierReport struct {
	Tier      string // pattern template, or "featured"
	Attempted int
	Succeeded int
}

// Report summarizes a Download call.
type Report struct {
	Requested  int                 // distinct names
	Cached     int                 // already present, no network used
	Downloaded int                 // acquired by any tier
	Fetcher    string              // fetcher used last
	Swapped    bool                // bulk fetcher was unavailable mid-run
	Tiers      []TierReport        // in the order they ran
	Unresolved []string            // names without an image after all tiers
	Collisions map[string][]string // cache key -> names shadowed by an earlier name
}

const featuredTier = "featured"

// Download makes sure every name has a cached image. Cached names cause no
// network traffic. Missing images are acquired tier by tier: each pattern in
// order, then the pages' featured images, which are cropped to the art box.
//
// Per-item failures are logged and reported, never returned. The error is
// for setup problems: invalid configuration or an unusable cache directory.
func Download(ctx context.Context, names []string, cfg Config) (*Report, error) {
	log := cfg.logger()

	settings, err := conf.ApplyOverrides(cfg.Images, cfg.Overrides)
	if err != nil {
		return nil, err
	}
	if err := conf.ValidateImageSettings(&settings); err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	geometry, err := GeometryFromSizes(settings.Sizes)
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	store := NewStore(cfg.Fs, settings.BasePath)
	if err := store.EnsureDir(); err != nil {
		return nil, err
	}

	items, collisions := collectItems(names)
	report := &Report{Requested: len(items), Collisions: collisions}
	for key, shadowed := range collisions {
		log.Warn("Card names share a cache key, keeping the first",
			logger.String("key", key),
			logger.Any("shadowed", shadowed))
	}

	var missing []item
	for _, it := range items {
		if it.key == "" {
			log.Warn("Card name has no usable characters", logger.String("name", it.name))
			report.Unresolved = append(report.Unresolved, it.name)
			continue
		}
		if _, ok := store.lookupKey(it.key); ok {
			report.Cached++
			continue
		}
		missing = append(missing, it)
	}
	cfg.Metrics.IncrementCacheHits(report.Cached)
	cfg.Metrics.IncrementCacheMisses(len(missing))

	if len(missing) == 0 {
		log.Debug("All images cached", logger.Int("cached", report.Cached))
		cfg.Metrics.IncrementUnresolved(len(report.Unresolved))
		return report, nil
	}

	r := newResolver(ctx, settings, cfg, store, geometry, log)
	defer r.close()

	start := time.Now()
	unresolved := r.run(ctx, missing, report)
	for _, it := range unresolved {
		report.Unresolved = append(report.Unresolved, it.name)
	}
	cfg.Metrics.IncrementUnresolved(len(report.Unresolved))

	log.Info("Image download finished",
		logger.Int("requested", report.Requested),
		logger.Int("cached", report.Cached),
		logger.Int("downloaded", report.Downloaded),
		logger.Int("unresolved", len(report.Unresolved)),
		logger.String("fetcher", report.Fetcher),
		logger.Duration("elapsed", time.Since(start)))
	return report, nil
}

// Filename returns the cached image of name, if any. It never touches the network.
func Filename(name string, cfg Config) (string, bool) {
	settings, err := conf.ApplyOverrides(cfg.Images, cfg.Overrides)
	if err != nil {
		return "", false
	}
	return NewStore(cfg.Fs, settings.BasePath).Lookup(name)
}

// collectItems deduplicates names by cache key in sorted order. The first
// name per key wins; later ones are returned as collisions.
func collectItems(names []string) ([]item, map[string][]string) {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	seen := make(map[string]bool, len(sorted))
	var items []item
	var collisions map[string][]string
	for _, name := range sorted {
		key := Sanitize(name)
		if key != "" && seen[key] {
			if collisions == nil {
				collisions = make(map[string][]string)
			}
			collisions[key] = append(collisions[key], name)
			continue
		}
		seen[key] = true
		items = append(items, item{name: name, key: key})
	}
	return items, collisions
}

// featuredSource looks up the lead image of card pages.
type featuredSource interface {
	FeaturedImages(ctx context.Context, titles []string) ([]mediawiki.FeaturedImage, error)
}

// resolver drives one Download call through the tiers. Not safe for
// concurrent use.
type resolver struct {
	store      *Store
	patterns   []Pattern
	fetcher    Fetcher
	fallback   Fetcher
	featured   featuredSource
	normalizer *Normalizer
	metrics    *metrics.CardImageMetrics
	log        logger.Logger
	closers    []func()
	swapped    bool
}

func newResolver(ctx context.Context, s conf.ImageSettings, cfg Config, store *Store, g CropGeometry, log logger.Logger) *resolver {
	apiHTTP := httpclient.New(&httpclient.Config{
		DefaultTimeout: s.RequestTimeout,
		UserAgent:      s.UserAgent,
		RateLimit:      s.RateLimit,
		Transport:      cfg.Transport,
	})
	mediaHTTP := httpclient.New(&httpclient.Config{
		DefaultTimeout: s.RequestTimeout,
		UserAgent:      s.UserAgent,
		Transport:      cfg.Transport,
	})

	api := mediawiki.New(s.APIURL, apiHTTP, log.Module("mediawiki"))
	bulk := NewBulkFetcher(api, mediaHTTP, s.APIURL, s.Concurrency, s.RequestTimeout, log)
	direct := NewDirectFetcher(s.MediaHost, mediaHTTP, s.Concurrency, s.RequestTimeout, log)

	primary, fallback := NewSelector(s.Fetcher, bulk, direct, cfg.Probes, log).Select(ctx)
	log.Debug("Selected fetcher", logger.String("fetcher", primary.Name()))

	var outSize image.Point
	if len(s.OutSize) == 2 {
		outSize = image.Pt(s.OutSize[0], s.OutSize[1])
	}

	return &resolver{
		store:      store,
		patterns:   ParsePatterns(s.Patterns),
		fetcher:    primary,
		fallback:   fallback,
		featured:   api,
		normalizer: NewNormalizer(g, outSize, log),
		metrics:    cfg.Metrics,
		log:        log,
		closers:    []func(){apiHTTP.Close, mediaHTTP.Close},
	}
}

func (r *resolver) close() {
	for _, c := range r.closers {
		c()
	}
}

// run returns the items no tier could resolve.
func (r *resolver) run(ctx context.Context, remaining []item, report *Report) []item {
	for _, p := range r.patterns {
		if len(remaining) == 0 || ctx.Err() != nil {
			break
		}
		remaining = r.patternTier(ctx, p, remaining, report)
	}

	if len(remaining) > 0 && ctx.Err() == nil {
		remaining = r.featuredTier(ctx, remaining, report)
	}

	report.Fetcher = r.fetcher.Name()
	report.Swapped = r.swapped
	for _, it := range remaining {
		r.log.Warn("No image found", logger.String("name", it.name))
	}
	return remaining
}

func (r *resolver) patternTier(ctx context.Context, p Pattern, items []item, report *Report) []item {
	identifiers := make([]string, len(items))
	for i, it := range items {
		identifiers[i] = p.Identifier(it.key)
	}

	results := r.fetch(ctx, identifiers)
	var next []item
	succeeded := 0
	for i, res := range results {
		res.Item = items[i].name
		r.metrics.RecordDownload(metrics.TierPattern, res.Succeeded, res.Elapsed.Seconds())
		if !res.Succeeded {
			r.log.Debug("Pattern miss",
				logger.String("name", res.Item),
				logger.String("identifier", res.Identifier),
				logger.Error(res.Err))
			next = append(next, items[i])
			continue
		}
		if !r.place(res, items[i]) {
			next = append(next, items[i])
			continue
		}
		succeeded++
	}

	report.Tiers = append(report.Tiers, TierReport{Tier: p.String(), Attempted: len(items), Succeeded: succeeded})
	report.Downloaded += succeeded
	r.log.Info("Downloaded images using pattern",
		logger.String("pattern", p.String()),
		logger.Int("downloaded", succeeded),
		logger.Int("attempted", len(items)))
	return next
}

func (r *resolver) featuredTier(ctx context.Context, items []item, report *Report) []item {
	tier := TierReport{Tier: featuredTier, Attempted: len(items)}
	defer func() {
		report.Tiers = append(report.Tiers, tier)
		report.Downloaded += tier.Succeeded
		r.log.Info("Downloaded images using featured images",
			logger.Int("downloaded", tier.Succeeded),
			logger.Int("attempted", tier.Attempted))
	}()

	titles := make([]string, len(items))
	for i, it := range items {
		titles[i] = it.name
	}
	images, err := r.featured.FeaturedImages(ctx, titles)
	if err != nil {
		r.log.Warn("Featured image lookup failed", logger.Error(err))
		return items
	}

	claims := reconcile(items, images)
	if len(claims) == 0 {
		return items
	}
	identifiers := make([]string, len(claims))
	for i, c := range claims {
		identifiers[i] = c.identifier
	}

	resolved := make(map[string]bool, len(claims))
	for i, res := range r.fetch(ctx, identifiers) {
		c := claims[i]
		res.Item = c.item.name
		r.metrics.RecordDownload(metrics.TierFeatured, res.Succeeded, res.Elapsed.Seconds())
		if !res.Succeeded {
			r.log.Debug("Featured image download failed",
				logger.String("name", res.Item),
				logger.String("identifier", res.Identifier),
				logger.Error(res.Err))
			continue
		}

		if err := r.normalizer.NormalizeFile(r.store.Fs(), res.Path); err != nil {
			r.metrics.IncrementCropErrors()
			r.log.Warn("Failed to crop image",
				logger.String("name", res.Item),
				logger.Error(err))
		}
		if !r.place(res, c.item) {
			continue
		}
		resolved[c.item.key] = true
		tier.Succeeded++
	}

	var next []item
	for _, it := range items {
		if !resolved[it.key] {
			next = append(next, it)
		}
	}
	return next
}

// fetch runs a batch on the current fetcher. On ErrCapabilityUnavailable
// the fallback takes over for the rest of the run and the batch is retried.
func (r *resolver) fetch(ctx context.Context, identifiers []string) []FetchResult {
	results, err := r.fetcher.Fetch(ctx, identifiers, r.store)
	if err == nil {
		return results
	}

	if errors.Is(err, ErrCapabilityUnavailable) && r.fallback != nil {
		r.log.Warn("Fetcher unavailable, switching",
			logger.String("from", r.fetcher.Name()),
			logger.String("to", r.fallback.Name()),
			logger.Error(err))
		r.fetcher, r.fallback = r.fallback, nil
		r.swapped = true
		r.metrics.IncrementFetcherSwaps()

		results, err = r.fetcher.Fetch(ctx, identifiers, r.store)
		if err == nil {
			return results
		}
	}

	r.log.Warn("Batch failed", logger.String("fetcher", r.fetcher.Name()), logger.Error(err))
	return failAll(identifiers, err)
}

// place moves a staged download to the cache path of it. On failure the
// staged file is discarded and the item stays unresolved.
func (r *resolver) place(res FetchResult, it item) bool {
	ext := strings.TrimPrefix(filepath.Ext(res.Identifier), ".")
	dst := r.store.keyPath(it.key, ext)
	if err := r.store.Rename(res.Path, dst); err != nil {
		r.log.Warn("Could not move image to its cache path",
			logger.String("name", it.name),
			logger.String("from", res.Path),
			logger.String("to", dst),
			logger.Error(err))
		r.store.Remove(res.Path)
		return false
	}
	return true
}
