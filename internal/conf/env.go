// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns the short-form environment variables. Every key is
// also reachable through AutomaticEnv as CARDIMAGES_<SECTION>_<KEY>.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"images.base_path", "CARDIMAGES_BASE_PATH", nil},
		{"images.fetcher", "CARDIMAGES_FETCHER", validateEnvFetcher},
		{"images.concurrency", "CARDIMAGES_CONCURRENCY", validateEnvPositiveInt},
		{"images.request_timeout", "CARDIMAGES_REQUEST_TIMEOUT", validateEnvDuration},
		{"images.api_url", "CARDIMAGES_API_URL", validateEnvURL},
		{"images.media_host", "CARDIMAGES_MEDIA_HOST", validateEnvURL},
		{"images.rate_limit", "CARDIMAGES_RATE_LIMIT", validateEnvRate},
		{"logging.default_level", "CARDIMAGES_LOG_LEVEL", validateEnvLogLevel},
		{"telemetry.sentry_dsn", "CARDIMAGES_SENTRY_DSN", validateEnvURL},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		// The long form stays bound alongside the short one
		longForm := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(binding.ConfigKey, ".", "_"))
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar, longForm); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvFetcher(value string) error {
	if !slices.Contains([]string{FetcherAuto, FetcherBulk, FetcherDirect}, strings.TrimSpace(value)) {
		return fmt.Errorf("fetcher must be one of auto, bulk, direct")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}
	return nil
}

func validateEnvRate(value string) error {
	r, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fmt.Errorf("invalid rate: %w", err)
	}
	if r < 0 {
		return fmt.Errorf("rate must not be negative, got %g", r)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL must be absolute, got '%s'", value)
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	if !slices.Contains([]string{"trace", "debug", "info", "warn", "error"}, strings.TrimSpace(value)) {
		return fmt.Errorf("log level must be one of trace, debug, info, warn, error")
	}
	return nil
}
