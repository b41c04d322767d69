package cardimage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/cardimages/internal/conf"
	"github.com/tphakala/cardimages/internal/errors"
	"github.com/tphakala/cardimages/internal/httpclient"
	"github.com/tphakala/cardimages/internal/logger"
	"github.com/tphakala/cardimages/internal/mediawiki"
)

const testMediaHost = "https://media.test"

func discardLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, time.UTC).Module("test")
}

func newMockHTTP(t *testing.T) (*httpclient.Client, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	hc := httpclient.New(&httpclient.Config{Transport: transport})
	t.Cleanup(hc.Close)
	return hc, transport
}

func TestFetchAllKeepsOrderAndDeduplicates(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var inFlight, peak atomic.Int32
	ids := []string{"a", "b", "a", "c", "d", "b"}

	results := fetchAll(t.Context(), ids, 2, func(_ context.Context, id string) FetchResult {
		calls.Add(1)
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return FetchResult{Identifier: id, Succeeded: id != "c"}
	})

	require.Len(t, results, len(ids))
	for i, r := range results {
		assert.Equal(t, ids[i], r.Identifier)
	}
	assert.False(t, results[3].Succeeded)
	assert.Equal(t, int32(4), calls.Load(), "duplicates share one transfer")
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFetchAllCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	results := fetchAll(ctx, []string{"a", "b"}, 1, func(context.Context, string) FetchResult {
		t.Error("fetch must not run after cancellation")
		return FetchResult{}
	})
	for _, r := range results {
		assert.False(t, r.Succeeded)
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestDirectFetcher(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hc, transport := newMockHTTP(t)
	transport.RegisterResponder(http.MethodGet, mediawiki.StaticURL(testMediaHost, "Kuriboh-OW.png"),
		httpmock.NewStringResponder(http.StatusOK, "kuriboh"))
	transport.RegisterResponder(http.MethodGet, mediawiki.StaticURL(testMediaHost, "Broken-OW.png"),
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))
	transport.RegisterResponder(http.MethodGet, mediawiki.StaticURL(testMediaHost, "Offline-OW.png"),
		httpmock.NewErrorResponder(fmt.Errorf("connection reset")))
	transport.RegisterNoResponder(httpmock.NewStringResponder(http.StatusNotFound, ""))

	store := newMemStore(t)
	f := NewDirectFetcher(testMediaHost, hc, 4, time.Second, discardLogger())
	assert.Equal(t, "direct", f.Name())

	results, err := f.Fetch(t.Context(), []string{"Kuriboh-OW.png", "Missing-OW.png", "Broken-OW.png", "Offline-OW.png"}, store)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.True(t, results[0].Succeeded)
	assert.True(t, strings.HasSuffix(results[0].Path, "-Kuriboh-OW.png"), results[0].Path)
	data, err := afero.ReadFile(store.Fs(), results[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "kuriboh", string(data))

	assert.False(t, results[1].Succeeded)
	assert.ErrorIs(t, results[1].Err, ErrImageNotFound)
	assert.True(t, errors.IsNotFound(results[1].Err))

	assert.False(t, results[2].Succeeded)
	assert.True(t, errors.IsCategory(results[2].Err, errors.CategoryHTTP))

	assert.False(t, results[3].Succeeded)
	assert.True(t, errors.IsCategory(results[3].Err, errors.CategoryImageFetch))

	entries, err := afero.ReadDir(store.Fs(), store.Base())
	require.NoError(t, err)
	require.Len(t, entries, 1, "failed transfers leave no files")
}

func TestDirectFetcherPerRequestTimeout(t *testing.T) {
	t.Parallel()

	hc, transport := newMockHTTP(t)
	transport.RegisterResponder(http.MethodGet, mediawiki.StaticURL(testMediaHost, "Slow-OW.png"),
		func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		})
	transport.RegisterResponder(http.MethodGet, mediawiki.StaticURL(testMediaHost, "Fast-OW.png"),
		httpmock.NewStringResponder(http.StatusOK, "fast"))

	f := NewDirectFetcher(testMediaHost, hc, 2, 50*time.Millisecond, discardLogger())
	results, err := f.Fetch(t.Context(), []string{"Slow-OW.png", "Fast-OW.png"}, newMemStore(t))
	require.NoError(t, err)
	assert.False(t, results[0].Succeeded, "hung peer fails only its own item")
	assert.True(t, results[1].Succeeded)
}

// fakeImageInfo stands in for the MediaWiki client.
type fakeImageInfo struct {
	urls     map[string]string
	err      error
	probeErr error
	probes   atomic.Int32
}

func (f *fakeImageInfo) ImageURLs(_ context.Context, files []string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, file := range files {
		if u, ok := f.urls[file]; ok {
			out[file] = u
		}
	}
	return out, nil
}

func (f *fakeImageInfo) Probe(context.Context) error {
	f.probes.Add(1)
	return f.probeErr
}

func TestBulkFetcher(t *testing.T) {
	t.Parallel()

	hc, transport := newMockHTTP(t)
	transport.RegisterResponder(http.MethodGet, "https://media.test/a/ab/DarkMagician-OW.png",
		httpmock.NewStringResponder(http.StatusOK, "dm"))

	api := &fakeImageInfo{urls: map[string]string{"DarkMagician-OW.png": "https://media.test/a/ab/DarkMagician-OW.png"}}
	f := NewBulkFetcher(api, hc, "https://wiki.test/api.php", 4, time.Second, discardLogger())
	store := newMemStore(t)

	results, err := f.Fetch(t.Context(), []string{"DarkMagician-OW.png", "Nope-OW.png"}, store)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Succeeded)
	assert.False(t, results[1].Succeeded)
	assert.ErrorIs(t, results[1].Err, ErrImageNotFound)
	assert.Equal(t, 1, transport.GetTotalCallCount(), "missing files are not downloaded")
}

func TestBulkFetcherUnavailable(t *testing.T) {
	t.Parallel()

	hc, _ := newMockHTTP(t)
	api := &fakeImageInfo{err: errors.NewStd("api down")}
	f := NewBulkFetcher(api, hc, "https://wiki.test/api.php", 4, time.Second, discardLogger())

	results, err := f.Fetch(t.Context(), []string{"A-OW.png"}, newMemStore(t))
	assert.Nil(t, results)
	require.ErrorIs(t, err, ErrCapabilityUnavailable)
	assert.Contains(t, err.Error(), "api down")
}

func TestBulkFetcherAvailability(t *testing.T) {
	t.Parallel()

	hc, _ := newMockHTTP(t)
	up := NewBulkFetcher(&fakeImageInfo{}, hc, "x", 1, time.Second, discardLogger())
	a := up.Availability(t.Context())
	assert.True(t, a.Available)
	assert.False(t, a.CheckedAt.IsZero())

	down := NewBulkFetcher(&fakeImageInfo{probeErr: errors.NewStd("403 forbidden")}, hc, "x", 1, time.Second, discardLogger())
	a = down.Availability(t.Context())
	assert.False(t, a.Available)
	assert.Equal(t, "403 forbidden", a.Reason)
}

func TestSelector(t *testing.T) {
	t.Parallel()

	hc, _ := newMockHTTP(t)
	direct := NewDirectFetcher(testMediaHost, hc, 1, time.Second, discardLogger())

	tests := []struct {
		name         string
		mode         string
		probeErr     error
		wantPrimary  string
		wantFallback string
		wantProbes   int32
	}{
		{"direct mode never probes", conf.FetcherDirect, nil, "direct", "", 0},
		{"bulk mode never probes", conf.FetcherBulk, errors.NewStd("down"), "bulk", "direct", 0},
		{"auto with api up", conf.FetcherAuto, nil, "bulk", "direct", 1},
		{"auto with api down", conf.FetcherAuto, errors.NewStd("down"), "direct", "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api := &fakeImageInfo{probeErr: tt.probeErr}
			bulk := NewBulkFetcher(api, hc, "https://wiki.test/api.php", 1, time.Second, discardLogger())

			primary, fallback := NewSelector(tt.mode, bulk, direct, nil, discardLogger()).Select(t.Context())
			assert.Equal(t, tt.wantPrimary, primary.Name())
			if tt.wantFallback == "" {
				assert.Nil(t, fallback)
			} else {
				require.NotNil(t, fallback)
				assert.Equal(t, tt.wantFallback, fallback.Name())
			}
			assert.Equal(t, tt.wantProbes, api.probes.Load())
		})
	}
}

func TestSelectorMemoizesProbe(t *testing.T) {
	t.Parallel()

	hc, _ := newMockHTTP(t)
	api := &fakeImageInfo{}
	bulk := NewBulkFetcher(api, hc, "https://wiki.test/api.php", 1, time.Second, discardLogger())
	direct := NewDirectFetcher(testMediaHost, hc, 1, time.Second, discardLogger())
	probes := NewProbeCache(time.Minute)

	for range 3 {
		primary, _ := NewSelector(conf.FetcherAuto, bulk, direct, probes, discardLogger()).Select(t.Context())
		assert.Equal(t, "bulk", primary.Name())
	}
	assert.Equal(t, int32(1), api.probes.Load())

	other := NewBulkFetcher(api, hc, "https://other.test/api.php", 1, time.Second, discardLogger())
	NewSelector(conf.FetcherAuto, other, direct, probes, discardLogger()).Select(t.Context())
	assert.Equal(t, int32(2), api.probes.Load(), "probe results are per endpoint")
}

func TestSelectorProbeExpires(t *testing.T) {
	t.Parallel()

	hc, _ := newMockHTTP(t)
	api := &fakeImageInfo{}
	bulk := NewBulkFetcher(api, hc, "k", 1, time.Second, discardLogger())
	direct := NewDirectFetcher(testMediaHost, hc, 1, time.Second, discardLogger())
	probes := NewProbeCache(20 * time.Millisecond)

	NewSelector(conf.FetcherAuto, bulk, direct, probes, discardLogger()).Select(t.Context())
	time.Sleep(40 * time.Millisecond)
	NewSelector(conf.FetcherAuto, bulk, direct, probes, discardLogger()).Select(t.Context())
	assert.Equal(t, int32(2), api.probes.Load())
}

func TestDownloadDrainsErrorBodies(t *testing.T) {
	t.Parallel()

	hc, transport := newMockHTTP(t)
	body := strings.Repeat("x", 10_000)
	transport.RegisterResponder(http.MethodGet, "https://media.test/err.png",
		httpmock.NewStringResponder(http.StatusBadGateway, body))

	res := download(t.Context(), hc, "https://media.test/err.png", "err.png", newMemStore(t), time.Second)
	assert.False(t, res.Succeeded)
	assert.Positive(t, res.Elapsed)
	var enhanced *errors.EnhancedError
	require.ErrorAs(t, res.Err, &enhanced)
	assert.Equal(t, http.StatusBadGateway, enhanced.GetContext()["status_code"])
}
