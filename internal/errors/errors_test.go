package errors

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReporter captures reported errors.
type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestBuildDefaults(t *testing.T) {
	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.Timestamp.IsZero())
}

func TestBuildWithContext(t *testing.T) {
	ee := Newf("fetch failed for %s", "Dark Magician").
		Component("cardimage").
		Category(CategoryImageFetch).
		Context("operation", "pattern_tier").
		FileContext("images/DarkMagician.PNG").
		Build()

	assert.Equal(t, "cardimage", ee.GetComponent())
	assert.Equal(t, string(CategoryImageFetch), ee.GetCategory())

	ctx := ee.GetContext()
	assert.Equal(t, "pattern_tier", ctx["operation"])
	assert.Equal(t, "png", ctx["file_extension"])

	// GetContext returns a copy
	ctx["operation"] = "mutated"
	assert.Equal(t, "pattern_tier", ee.GetContext()["operation"])
}

func TestIsMatchesWrappedAndCategory(t *testing.T) {
	sentinel := NewStd("sentinel")
	ee := New(fmt.Errorf("wrapped: %w", sentinel)).Category(CategoryNotFound).Build()

	assert.ErrorIs(t, ee, sentinel)
	assert.True(t, IsNotFound(ee))
	assert.True(t, Is(ee, &EnhancedError{Category: CategoryNotFound}))
	assert.False(t, IsCategory(ee, CategoryNetwork))
}

func TestDetectCategory(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorCategory
	}{
		{"context canceled", CategoryCancellation},
		{"Get \"x\": context deadline exceeded", CategoryTimeout},
		{"dial tcp: connection refused", CategoryNetwork},
		{"open foo: no such file or directory", CategoryFileIO},
		{"invalid crop geometry", CategoryValidation},
		{"something else", CategoryGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, detectCategory(NewStd(tt.msg)))
		})
	}
}

func TestTelemetryReporter(t *testing.T) {
	rec := &recordingReporter{}
	SetTelemetryReporter(rec)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := NewStd("boom")
	built := New(ee).Component("cardimage").Build()

	require.Len(t, rec.reported, 1)
	assert.Same(t, built, rec.reported[0])
	assert.True(t, built.IsReported())
}

func TestScrubMessage(t *testing.T) {
	scrubbed := scrubMessage("failed https://example.org/api.php?titles=A&token=secret now")
	assert.Equal(t, "failed https://example.org/api.php?[REDACTED] now", scrubbed)
}

func TestErrorTitle(t *testing.T) {
	ee := New(NewStd("x")).Component("cardimage").Category(CategoryImageFetch).
		Context("operation", "featured_lookup").Build()
	assert.Equal(t, "cardimage image-fetch featured lookup", errorTitle(ee))
}
