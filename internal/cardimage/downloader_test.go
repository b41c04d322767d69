package cardimage

import (
	"bytes"
	"image/png"
	"maps"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/cardimages/internal/conf"
	"github.com/tphakala/cardimages/internal/logger"
	"github.com/tphakala/cardimages/internal/mediawiki"
	"github.com/tphakala/cardimages/internal/observability/metrics"
)

const testAPI = "https://wiki.test/api.php"

// fakeWiki serves a MediaWiki api.php and its static media host from memory.
type fakeWiki struct {
	files       map[string][]byte // uploaded files by name
	featured    map[string]string // page title -> lead image file
	imageInfoUp bool              // false answers prop=imageinfo with an API error
	siteInfoUp  bool

	mu       sync.Mutex
	requests []string
}

func newFakeWiki() *fakeWiki {
	return &fakeWiki{
		files:       map[string][]byte{},
		featured:    map[string]string{},
		imageInfoUp: true,
		siteInfoUp:  true,
	}
}

func (w *fakeWiki) record(req *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requests = append(w.requests, req.URL.String())
}

// requestsMentioning counts requests whose unescaped URL contains s.
func (w *fakeWiki) requestsMentioning(s string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, r := range w.requests {
		if u, err := url.QueryUnescape(r); err == nil && strings.Contains(u, s) {
			n++
		}
	}
	return n
}

func (w *fakeWiki) requestCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.requests)
}

func (w *fakeWiki) transport() *httpmock.MockTransport {
	t := httpmock.NewMockTransport()
	t.RegisterResponder(http.MethodGet, testAPI, w.api)
	t.RegisterRegexpResponder(http.MethodGet, regexp.MustCompile(`^`+regexp.QuoteMeta(testMediaHost)+`/`), w.media)
	return t
}

func (w *fakeWiki) api(req *http.Request) (*http.Response, error) {
	w.record(req)
	q := req.URL.Query()

	var titles []string
	if t := q.Get("titles"); t != "" {
		titles = strings.Split(t, "|")
	}

	switch {
	case q.Get("meta") == "siteinfo":
		if !w.siteInfoUp {
			return httpmock.NewStringResponse(http.StatusForbidden, "<html><body>Forbidden</body></html>"), nil
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"query": map[string]any{"general": map[string]any{"sitename": "Fake"}},
		})

	case q.Get("prop") == "imageinfo":
		if !w.imageInfoUp {
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"error": map[string]any{"code": "internal_api_error", "info": "imageinfo disabled"},
			})
		}
		pages := make([]map[string]any, 0, len(titles))
		for _, title := range titles {
			file := strings.TrimPrefix(title, "File:")
			if _, ok := w.files[file]; !ok {
				pages = append(pages, map[string]any{"title": title, "missing": true})
				continue
			}
			pages = append(pages, map[string]any{
				"title":     title,
				"imageinfo": []map[string]any{{"url": mediawiki.StaticURL(testMediaHost, file)}},
			})
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"query": map[string]any{"pages": pages}})

	case q.Get("prop") == "pageimages":
		pages := make([]map[string]any, 0, len(titles))
		for _, title := range titles {
			page := map[string]any{"title": title}
			if file, ok := w.featured[title]; ok {
				page["pageimage"] = file
				page["original"] = map[string]any{"source": mediawiki.StaticURL(testMediaHost, file)}
			}
			pages = append(pages, page)
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"query": map[string]any{"pages": pages}})
	}

	return httpmock.NewStringResponse(http.StatusBadRequest, `{"error":{"code":"badrequest","info":"unexpected"}}`), nil
}

func (w *fakeWiki) media(req *http.Request) (*http.Response, error) {
	w.record(req)
	file := path.Base(req.URL.Path)
	data, ok := w.files[file]
	if !ok || mediawiki.StaticURL(testMediaHost, file) != req.URL.String() {
		return httpmock.NewStringResponse(http.StatusNotFound, "not found"), nil
	}
	return httpmock.NewBytesResponse(http.StatusOK, data), nil
}

func testConfig(t *testing.T, wiki *fakeWiki, fetcher string) Config {
	t.Helper()
	images := conf.Default().Images
	images.APIURL = testAPI
	images.MediaHost = testMediaHost
	images.Fetcher = fetcher
	images.RequestTimeout = 2 * time.Second
	return Config{
		Images:    images,
		Fs:        afero.NewMemMapFs(),
		Transport: wiki.transport(),
		Logger:    discardLogger(),
	}
}

// cacheContents maps every file in the cache directory to its content.
func cacheContents(t *testing.T, cfg Config) map[string]string {
	t.Helper()
	entries, err := afero.ReadDir(cfg.Fs, cfg.Images.BasePath)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := afero.ReadFile(cfg.Fs, path.Join(cfg.Images.BasePath, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}

func TestDownloadSkipsCachedNames(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	wiki := newFakeWiki()
	wiki.files["Kuriboh-OW.png"] = []byte("kuriboh")
	wiki.files["DarkMagician-OW.png"] = []byte("remote dark magician")
	cfg := testConfig(t, wiki, conf.FetcherDirect)
	require.NoError(t, afero.WriteFile(cfg.Fs, "images/DarkMagician.jpg", []byte("cached"), 0o644))

	report, err := Download(t.Context(), []string{"Dark Magician", "Kuriboh"}, cfg)
	require.NoError(t, err)

	assert.Zero(t, wiki.requestsMentioning("DarkMagician"), "cached name causes no requests")
	assert.Positive(t, wiki.requestsMentioning("Kuriboh"))
	assert.Equal(t, 2, report.Requested)
	assert.Equal(t, 1, report.Cached)
	assert.Equal(t, 1, report.Downloaded)
	assert.Empty(t, report.Unresolved)

	got, ok := Filename("Kuriboh", cfg)
	require.True(t, ok)
	assert.Equal(t, path.Join("images", "Kuriboh.png"), got)

	got, ok = Filename("Dark Magician", cfg)
	require.True(t, ok)
	assert.Equal(t, path.Join("images", "DarkMagician.jpg"), got)
}

func TestDownloadIsIdempotent(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	wiki.files["Kuriboh-OW.png"] = []byte("kuriboh")
	cfg := testConfig(t, wiki, conf.FetcherAuto)

	_, err := Download(t.Context(), []string{"Kuriboh"}, cfg)
	require.NoError(t, err)
	first := wiki.requestCount()
	require.Positive(t, first)

	report, err := Download(t.Context(), []string{"Kuriboh"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, wiki.requestCount(), "second run is served from the cache")
	assert.Equal(t, 1, report.Cached)
}

func TestDownloadPatternOrder(t *testing.T) {
	t.Parallel()

	for _, fetcher := range []string{conf.FetcherDirect, conf.FetcherBulk} {
		t.Run(fetcher, func(t *testing.T) {
			t.Parallel()
			wiki := newFakeWiki()
			wiki.files["Kuriboh-MADU-EN-VG-artwork.png"] = []byte("artwork")
			wiki.files["Kuriboh-OW.png"] = []byte("ow")
			wiki.files["Kuriboh.svg"] = []byte("<svg/>")
			cfg := testConfig(t, wiki, fetcher)

			report, err := Download(t.Context(), []string{"Kuriboh"}, cfg)
			require.NoError(t, err)

			assert.Equal(t, map[string]string{"Kuriboh.png": "artwork"}, cacheContents(t, cfg))
			require.Len(t, report.Tiers, 1, "later tiers do not run")
			assert.Equal(t, TierReport{Tier: "{name}-MADU-EN-VG-artwork.png", Attempted: 1, Succeeded: 1}, report.Tiers[0])
		})
	}
}

func TestDownloadTiersCarryOver(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	wiki.files["DarkMagician-MADU-EN-VG-artwork.png"] = []byte("dm")
	wiki.files["Kuriboh-OW.png"] = []byte("kuriboh")
	wiki.files["PotofGreed.svg"] = []byte("<svg/>")
	cfg := testConfig(t, wiki, conf.FetcherDirect)

	report, err := Download(t.Context(), []string{"Dark Magician", "Kuriboh", "Pot of Greed", "Nonexistent"}, cfg)
	require.NoError(t, err)

	assert.Equal(t, []TierReport{
		{Tier: "{name}-MADU-EN-VG-artwork.png", Attempted: 4, Succeeded: 1},
		{Tier: "{name}-OW.png", Attempted: 3, Succeeded: 1},
		{Tier: "{name}.svg", Attempted: 2, Succeeded: 1},
		{Tier: featuredTier, Attempted: 1, Succeeded: 0},
	}, report.Tiers)
	assert.Equal(t, []string{"Nonexistent"}, report.Unresolved)
	assert.Equal(t, map[string]string{
		"DarkMagician.png": "dm",
		"Kuriboh.png":      "kuriboh",
		"PotofGreed.svg":   "<svg/>",
	}, cacheContents(t, cfg))
}

func TestDownloadSecondaryMatchesPrimary(t *testing.T) {
	t.Parallel()

	setup := func() *fakeWiki {
		wiki := newFakeWiki()
		wiki.files["DarkMagician-MADU-EN-VG-artwork.png"] = []byte("dm")
		wiki.files["Kuriboh-OW.png"] = []byte("kuriboh")
		wiki.files["PotofGreed.svg"] = []byte("<svg/>")
		return wiki
	}
	names := []string{"Dark Magician", "Kuriboh", "Pot of Greed", "Nonexistent"}

	run := func(t *testing.T, wiki *fakeWiki, fetcher string) (map[string]string, *Report) {
		t.Helper()
		cfg := testConfig(t, wiki, fetcher)
		report, err := Download(t.Context(), names, cfg)
		require.NoError(t, err)
		return cacheContents(t, cfg), report
	}

	primary, report := run(t, setup(), conf.FetcherBulk)
	assert.Equal(t, "bulk", report.Fetcher)
	assert.False(t, report.Swapped)

	broken := setup()
	broken.imageInfoUp = false
	swapped, report := run(t, broken, conf.FetcherBulk)
	assert.Equal(t, "direct", report.Fetcher)
	assert.True(t, report.Swapped)
	assert.Equal(t, primary, swapped)

	probeFails := setup()
	probeFails.siteInfoUp = false
	probeFails.imageInfoUp = false
	direct, report := run(t, probeFails, conf.FetcherAuto)
	assert.Equal(t, "direct", report.Fetcher)
	assert.False(t, report.Swapped, "auto mode picks direct up front")
	assert.Equal(t, primary, direct)
}

func TestDownloadFeaturedTierCrops(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	wiki.files["BlueEyesWhiteDragon-LOB-EN-UR-1E.png"] = encodePNG(t, 690, 1000)
	wiki.featured["Blue-Eyes White Dragon"] = "BlueEyesWhiteDragon-LOB-EN-UR-1E.png"
	cfg := testConfig(t, wiki, conf.FetcherBulk)

	report, err := Download(t.Context(), []string{"Blue-Eyes White Dragon", "Nonexistent"}, cfg)
	require.NoError(t, err)

	last := report.Tiers[len(report.Tiers)-1]
	assert.Equal(t, TierReport{Tier: featuredTier, Attempted: 2, Succeeded: 1}, last)
	assert.Equal(t, []string{"Nonexistent"}, report.Unresolved)

	p, ok := Filename("Blue-Eyes White Dragon", cfg)
	require.True(t, ok)
	f, err := cfg.Fs.Open(p)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 528, img.Width)
	assert.Equal(t, 522, img.Height)
}

func TestDownloadPatternHitsAreNotCropped(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	original := encodePNG(t, 690, 1000)
	wiki.files["Kuriboh-OW.png"] = original
	cfg := testConfig(t, wiki, conf.FetcherDirect)

	_, err := Download(t.Context(), []string{"Kuriboh"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, string(original), cacheContents(t, cfg)["Kuriboh.png"])
}

func TestDownloadRemoteNameMatchingAnotherCardsEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cached   bool     // Kuriboh is in the cache before the run
		patterns []string // nil keeps the defaults
	}{
		{name: "entry cached before the run", cached: true},
		{name: "entry placed earlier in the same run", patterns: []string{"{name}.png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wiki := newFakeWiki()
			kuriboh := encodePNG(t, 690, 1000)
			wiki.files["Kuriboh.png"] = kuriboh
			wiki.featured["Winged Kuriboh"] = "Kuriboh.png"
			cfg := testConfig(t, wiki, conf.FetcherDirect)
			if tt.patterns != nil {
				cfg.Images.Patterns = tt.patterns
			}
			want := string(kuriboh)
			if tt.cached {
				want = "local kuriboh"
				require.NoError(t, afero.WriteFile(cfg.Fs, "images/Kuriboh.png", []byte(want), 0o644))
			}

			report, err := Download(t.Context(), []string{"Kuriboh", "Winged Kuriboh"}, cfg)
			require.NoError(t, err)
			assert.Empty(t, report.Unresolved)

			contents := cacheContents(t, cfg)
			require.Len(t, contents, 2, "no staged files left behind: %v", slices.Collect(maps.Keys(contents)))
			assert.Equal(t, want, contents["Kuriboh.png"])

			p, ok := Filename("Kuriboh", cfg)
			require.True(t, ok)
			assert.Equal(t, path.Join("images", "Kuriboh.png"), p)

			p, ok = Filename("Winged Kuriboh", cfg)
			require.True(t, ok)
			img, err := png.DecodeConfig(strings.NewReader(contents[path.Base(p)]))
			require.NoError(t, err)
			assert.Equal(t, 528, img.Width, "featured copy is cropped")
		})
	}
}

// renameFailFs refuses to move files to visible names, so downloads can be
// staged and cropped but never placed.
type renameFailFs struct {
	afero.Fs
}

func (fs renameFailFs) Rename(oldname, newname string) error {
	if !strings.HasPrefix(filepath.Base(newname), ".") {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrPermission}
	}
	return fs.Fs.Rename(oldname, newname)
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDownloadPlacementFailureLeavesItemUnresolved(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	wiki.files["DarkMagician-OW.png"] = []byte("pattern hit")
	wiki.files["Kuriboh-Art.png"] = encodePNG(t, 690, 1000)
	wiki.featured["Kuriboh"] = "Kuriboh-Art.png"
	cfg := testConfig(t, wiki, conf.FetcherDirect)
	cfg.Fs = renameFailFs{Fs: afero.NewMemMapFs()}
	var logs syncBuffer
	cfg.Logger = logger.NewSlogLogger(&logs, logger.LogLevelDebug, time.UTC).Module("test")

	report, err := Download(t.Context(), []string{"Dark Magician", "Kuriboh"}, cfg)
	require.NoError(t, err)

	assert.Zero(t, report.Downloaded)
	assert.Equal(t, []string{"Dark Magician", "Kuriboh"}, report.Unresolved)
	for _, tier := range report.Tiers {
		assert.Zero(t, tier.Succeeded, "tier %s", tier.Tier)
	}
	assert.Contains(t, logs.String(), "Could not move image to its cache path")

	assert.Empty(t, cacheContents(t, cfg), "staged files are discarded")
	_, ok := Filename("Kuriboh", cfg)
	assert.False(t, ok)
}

func TestDownloadOverrides(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	wiki.files["Card-X.png"] = encodePNG(t, 690, 1000)
	wiki.featured["Card"] = "Card-X.png"
	cfg := testConfig(t, wiki, conf.FetcherDirect)
	cfg.Overrides = map[string]any{
		"images": map[string]any{
			"base_path": "elsewhere",
			"sizes":     map[string]any{"crop": []any{100, 100}},
		},
	}

	_, err := Download(t.Context(), []string{"Card"}, cfg)
	require.NoError(t, err)

	p, ok := Filename("Card", cfg)
	require.True(t, ok)
	assert.Equal(t, path.Join("elsewhere", "Card.png"), p)

	f, err := cfg.Fs.Open(p)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Width)
	assert.Equal(t, 100, img.Height)

	_, ok = Filename("Card", Config{Images: cfg.Images, Fs: cfg.Fs})
	assert.False(t, ok, "without the override the default directory is used")
}

func TestDownloadSetupErrors(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	cfg := testConfig(t, wiki, conf.FetcherDirect)
	cfg.Overrides = map[string]any{"images": map[string]any{"sizes": map[string]any{"crop": []any{1000, 1000}}}}

	_, err := Download(t.Context(), []string{"Card"}, cfg)
	require.Error(t, err)

	cfg = testConfig(t, wiki, conf.FetcherDirect)
	cfg.Fs = afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err = Download(t.Context(), []string{"Card"}, cfg)
	require.Error(t, err)

	assert.Zero(t, wiki.requestCount())
}

func TestDownloadCollisionsAndEmptyKeys(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	wiki.files["DarkMagician-OW.png"] = []byte("dm")
	cfg := testConfig(t, wiki, conf.FetcherDirect)

	report, err := Download(t.Context(), []string{"Dark-Magician", "Dark Magician", "Dark Magician", "???"}, cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Requested)
	assert.Equal(t, map[string][]string{"DarkMagician": {"Dark-Magician"}}, report.Collisions)
	assert.Equal(t, []string{"???"}, report.Unresolved)
	assert.Equal(t, 1, report.Downloaded)
	assert.Equal(t, 1, wiki.requestsMentioning("DarkMagician-OW.png"))
}

func TestDownloadMetrics(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	wiki.files["Kuriboh-OW.png"] = []byte("kuriboh")
	cfg := testConfig(t, wiki, conf.FetcherBulk)
	wiki.imageInfoUp = false
	require.NoError(t, afero.WriteFile(cfg.Fs, "images/DarkMagician.png", []byte("cached"), 0o644))

	m, err := metrics.NewCardImageMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	cfg.Metrics = m

	_, err = Download(t.Context(), []string{"Dark Magician", "Kuriboh", "Nonexistent"}, cfg)
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.CacheHits), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.CacheMisses), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FetcherSwaps), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ImageDownloads.WithLabelValues(metrics.TierPattern)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Unresolved), 0)
}

func TestFilenameNeverUsesNetwork(t *testing.T) {
	t.Parallel()

	wiki := newFakeWiki()
	cfg := testConfig(t, wiki, conf.FetcherAuto)

	_, ok := Filename("Kuriboh", cfg)
	assert.False(t, ok)
	assert.Zero(t, wiki.requestCount())
}

func TestCollectItems(t *testing.T) {
	t.Parallel()

	items, collisions := collectItems([]string{"b", "A!", "A", "b", "?"})
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.name
	}
	assert.Equal(t, []string{"?", "A", "b"}, names)
	assert.Equal(t, map[string][]string{"A": {"A!"}}, collisions)
	assert.True(t, slices.IsSortedFunc(items, func(a, b item) int { return strings.Compare(a.name, b.name) }))
}
