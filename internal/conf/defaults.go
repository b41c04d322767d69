// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default crop geometry, in pixels of a 690x1000 card scan.
var (
	DefaultRef    = []int{690, 1000}
	DefaultOffset = []int{82, 182}
	DefaultCrop   = []int{528, 522}
)

// DefaultPatterns are tried in order; {name} is replaced by the sanitized card name.
var DefaultPatterns = []string{
	"{name}-MADU-EN-VG-artwork.png",
	"{name}-OW.png",
	"{name}.svg",
}

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("images.base_path", "images")
	v.SetDefault("images.sizes.ref", DefaultRef)
	v.SetDefault("images.sizes.offset", DefaultOffset)
	v.SetDefault("images.sizes.crop", DefaultCrop)
	v.SetDefault("images.out_size", []int{})
	v.SetDefault("images.fetcher", FetcherAuto)
	v.SetDefault("images.concurrency", 8)
	v.SetDefault("images.request_timeout", 10*time.Second)
	v.SetDefault("images.probe_ttl", 5*time.Minute)
	v.SetDefault("images.patterns", DefaultPatterns)
	v.SetDefault("images.api_url", "https://yugipedia.com/api.php")
	v.SetDefault("images.media_host", "https://ms.yugipedia.com")
	v.SetDefault("images.user_agent", "")
	v.SetDefault("images.rate_limit", 0.0)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/cardimages.log")
	v.SetDefault("logging.file_output.level", "debug")

	v.SetDefault("telemetry.sentry_dsn", "")
}
