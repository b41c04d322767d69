// Package metrics provides custom Prometheus metrics for the cardimages components.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Tier labels used on the per-tier metrics.
const (
	TierPattern  = "pattern"
	TierFeatured = "featured"
)

// CardImageMetrics contains all Prometheus metrics related to card image acquisition.
// A nil *CardImageMetrics is valid and records nothing.
type CardImageMetrics struct {
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	ImageDownloads   *prometheus.CounterVec
	DownloadErrors   *prometheus.CounterVec
	DownloadDuration prometheus.Histogram
	FetcherSwaps     prometheus.Counter
	Unresolved       prometheus.Counter
	CropErrors       prometheus.Counter
}

// NewCardImageMetrics creates the metrics and registers them with registry.
func NewCardImageMetrics(registry prometheus.Registerer) (*CardImageMetrics, error) {
	m := &CardImageMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register CardImage metrics: %w", err)
	}
	return m, nil
}

func (m *CardImageMetrics) initMetrics() {
	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cardimage_cache_hits_total",
		Help: "Total number of names already present in the image cache.",
	})

	m.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cardimage_cache_misses_total",
		Help: "Total number of names that needed a download.",
	})

	m.ImageDownloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardimage_downloads_total",
		Help: "Total number of successful image downloads by tier.",
	}, []string{"tier"})

	m.DownloadErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardimage_download_errors_total",
		Help: "Total number of failed image downloads by tier.",
	}, []string{"tier"})

	m.DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cardimage_download_duration_seconds",
		Help:    "Duration of single image downloads in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	m.FetcherSwaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cardimage_fetcher_swaps_total",
		Help: "Times the bulk fetcher was unavailable and the direct fetcher took over.",
	})

	m.Unresolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cardimage_unresolved_total",
		Help: "Names for which no image could be found in any tier.",
	})

	m.CropErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cardimage_crop_errors_total",
		Help: "Featured images that could not be normalized.",
	})
}

// IncrementCacheHits increases the cache hit counter by n.
func (m *CardImageMetrics) IncrementCacheHits(n int) {
	if m == nil {
		return
	}
	m.CacheHits.Add(float64(n))
}

// IncrementCacheMisses increases the cache miss counter by n.
func (m *CardImageMetrics) IncrementCacheMisses(n int) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(float64(n))
}

// RecordDownload counts one download attempt for tier.
func (m *CardImageMetrics) RecordDownload(tier string, ok bool, durationSeconds float64) {
	if m == nil {
		return
	}
	if ok {
		m.ImageDownloads.WithLabelValues(tier).Inc()
		m.DownloadDuration.Observe(durationSeconds)
		return
	}
	m.DownloadErrors.WithLabelValues(tier).Inc()
}

// IncrementFetcherSwaps increases the fetcher swap counter by one.
func (m *CardImageMetrics) IncrementFetcherSwaps() {
	if m == nil {
		return
	}
	m.FetcherSwaps.Inc()
}

// IncrementUnresolved increases the unresolved counter by n.
func (m *CardImageMetrics) IncrementUnresolved(n int) {
	if m == nil {
		return
	}
	m.Unresolved.Add(float64(n))
}

// IncrementCropErrors increases the crop error counter by one.
func (m *CardImageMetrics) IncrementCropErrors() {
	if m == nil {
		return
	}
	m.CropErrors.Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *CardImageMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.CacheHits
	ch <- m.CacheMisses
	m.ImageDownloads.Collect(ch)
	m.DownloadErrors.Collect(ch)
	ch <- m.DownloadDuration
	ch <- m.FetcherSwaps
	ch <- m.Unresolved
	ch <- m.CropErrors
}

// Describe implements the prometheus.Collector interface.
func (m *CardImageMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.CacheHits.Desc()
	ch <- m.CacheMisses.Desc()
	m.ImageDownloads.Describe(ch)
	m.DownloadErrors.Describe(ch)
	ch <- m.DownloadDuration.Desc()
	ch <- m.FetcherSwaps.Desc()
	ch <- m.Unresolved.Desc()
	ch <- m.CropErrors.Desc()
}
