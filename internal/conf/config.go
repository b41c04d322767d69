// Package conf loads cardimages settings from defaults, a YAML file and environment variables.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/cardimages/internal/errors"
	"github.com/tphakala/cardimages/internal/logger"
)

// EnvPrefix is prepended to every environment variable, e.g. CARDIMAGES_IMAGES_BASE_PATH.
const EnvPrefix = "CARDIMAGES"

// Fetcher selection values for images.fetcher
const (
	FetcherAuto   = "auto"
	FetcherBulk   = "bulk"
	FetcherDirect = "direct"
)

// Settings is the complete configuration.
type Settings struct {
	Images    ImageSettings        `mapstructure:"images" yaml:"images"`
	Logging   logger.LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry" yaml:"telemetry"`
}

// ImageSettings configures image acquisition and normalization.
type ImageSettings struct {
	BasePath       string        `mapstructure:"base_path" yaml:"base_path"`             // cache directory
	Sizes          SizeSettings  `mapstructure:"sizes" yaml:"sizes"`                     // crop geometry in reference pixels
	OutSize        []int         `mapstructure:"out_size" yaml:"out_size"`               // optional resize target (w, h)
	Fetcher        string        `mapstructure:"fetcher" yaml:"fetcher"`                 // auto, bulk or direct
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`         // downloads in flight per tier
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"` // per-request hard timeout
	ProbeTTL       time.Duration `mapstructure:"probe_ttl" yaml:"probe_ttl"`             // how long a capability probe is trusted
	Patterns       []string      `mapstructure:"patterns" yaml:"patterns"`               // candidate file name templates, in priority order
	APIURL         string        `mapstructure:"api_url" yaml:"api_url"`                 // MediaWiki api.php endpoint
	MediaHost      string        `mapstructure:"media_host" yaml:"media_host"`           // static asset host base URL
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // API requests per second, 0 = unlimited
}

// SizeSettings holds (x, y) pairs in reference pixels.
type SizeSettings struct {
	Ref    []int `mapstructure:"ref" yaml:"ref"`
	Offset []int `mapstructure:"offset" yaml:"offset"`
	Crop   []int `mapstructure:"crop" yaml:"crop"`
}

// TelemetrySettings configures optional error reporting.
type TelemetrySettings struct {
	SentryDSN string `mapstructure:"sentry_dsn" yaml:"sentry_dsn"`
}

// New returns a viper instance with defaults and environment bindings applied.
// Callers may bind command line flags to it before calling Load.
func New() (*viper.Viper, error) {
	v := viper.New()
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads the optional configuration file and unmarshals the settings.
// With an empty configFile, config.yaml is searched in the working directory
// and the user config directory; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range defaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				FileContext(configFile).
				Build()
		}
	}

	return unmarshal(v)
}

// Default returns settings built from defaults only.
func Default() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings, err := unmarshal(v)
	if err != nil {
		// defaults are static and validated by tests
		panic(fmt.Sprintf("invalid default settings: %v", err))
	}
	return settings
}

func unmarshal(v *viper.Viper) (*Settings, error) {
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error validating settings: %w", err)).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	return settings, nil
}

// defaultConfigPaths lists the directories searched for config.yaml.
func defaultConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "cardimages"))
	}
	return paths
}
