// conf/validate.go

package conf

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := ValidateImageSettings(&settings.Images); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	if level := settings.Logging.DefaultLevel; level != "" && validateEnvLogLevel(level) != nil {
		ve.Errors = append(ve.Errors, fmt.Sprintf("logging.default_level: unknown level %q", level))
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// ValidateImageSettings validates the image acquisition settings
func ValidateImageSettings(s *ImageSettings) error {
	var errs []string

	if strings.TrimSpace(s.BasePath) == "" {
		errs = append(errs, "base_path must not be empty")
	}

	errs = append(errs, validatePair("sizes.ref", s.Sizes.Ref, 1)...)
	errs = append(errs, validatePair("sizes.offset", s.Sizes.Offset, 0)...)
	errs = append(errs, validatePair("sizes.crop", s.Sizes.Crop, 1)...)
	if len(s.Sizes.Ref) == 2 && len(s.Sizes.Crop) == 2 &&
		(s.Sizes.Crop[0] > s.Sizes.Ref[0] || s.Sizes.Crop[1] > s.Sizes.Ref[1]) {
		errs = append(errs, "sizes.crop must fit inside sizes.ref")
	}
	if len(s.OutSize) > 0 {
		errs = append(errs, validatePair("out_size", s.OutSize, 1)...)
	}

	if !slices.Contains([]string{FetcherAuto, FetcherBulk, FetcherDirect}, s.Fetcher) {
		errs = append(errs, fmt.Sprintf("fetcher must be one of auto, bulk, direct (got %q)", s.Fetcher))
	}
	if s.Concurrency < 1 {
		errs = append(errs, "concurrency must be at least 1")
	}
	if s.RequestTimeout <= 0 {
		errs = append(errs, "request_timeout must be positive")
	}
	if s.RateLimit < 0 {
		errs = append(errs, "rate_limit must not be negative")
	}

	if len(s.Patterns) == 0 {
		errs = append(errs, "patterns must not be empty")
	}
	for _, p := range s.Patterns {
		if !strings.Contains(p, "{name}") {
			errs = append(errs, fmt.Sprintf("pattern %q has no {name} slot", p))
		}
	}

	for key, raw := range map[string]string{"api_url": s.APIURL, "media_host": s.MediaHost} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("%s must be an absolute URL (got %q)", key, raw))
		}
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("images: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validatePair checks an (x, y) pair with both values at least minValue.
func validatePair(key string, pair []int, minValue int) []string {
	if len(pair) != 2 {
		return []string{fmt.Sprintf("%s must have exactly 2 values (got %d)", key, len(pair))}
	}
	if pair[0] < minValue || pair[1] < minValue {
		return []string{fmt.Sprintf("%s values must be at least %d (got %v)", key, minValue, pair)}
	}
	return nil
}
