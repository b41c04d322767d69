package cmd

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/cardimages/cmd/download"
	"github.com/tphakala/cardimages/cmd/filename"
	"github.com/tphakala/cardimages/internal/conf"
	"github.com/tphakala/cardimages/internal/errors"
	"github.com/tphakala/cardimages/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// RootCommand creates and returns the root command. Settings are loaded in
// PersistentPreRunE, after flags are parsed, and shared with subcommands
// through the settings pointer.
func RootCommand() (*cobra.Command, error) {
	v, err := conf.New()
	if err != nil {
		return nil, err
	}

	var (
		configFile string
		debug      bool
		sentryOn   bool
	)
	settings := &conf.Settings{}

	rootCmd := &cobra.Command{
		Use:           "cardimages",
		Short:         "Card art image cache",
		Long:          `Resolves card names to cached card art, downloading and cropping missing images from a MediaWiki wiki.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, v, &configFile, &debug); err != nil {
		return nil, err
	}

	rootCmd.AddCommand(
		download.Command(settings),
		filename.Command(settings),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := conf.Load(v, configFile)
		if err != nil {
			return err
		}
		if debug {
			loaded.Logging.DefaultLevel = string(logger.LogLevelDebug)
			if loaded.Logging.Console != nil {
				loaded.Logging.Console.Level = string(logger.LogLevelDebug)
			}
		}
		*settings = *loaded

		central, err := logger.NewCentralLogger(&settings.Logging)
		if err != nil {
			return fmt.Errorf("error initializing logger: %w", err)
		}
		logger.SetGlobal(central)

		sentryOn, err = initSentry(settings.Telemetry)
		return err
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if sentryOn {
			sentry.Flush(sentryFlushTimeout)
		}
		_ = logger.Global().Flush()
	}

	return rootCmd, nil
}

// setupFlags defines the global flags and binds them to their settings keys.
func setupFlags(rootCmd *cobra.Command, v *viper.Viper, configFile *string, debug *bool) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to config.yaml")
	flags.BoolVarP(debug, "debug", "d", false, "Enable debug output")
	flags.String("base-path", v.GetString("images.base_path"), "Image cache directory")
	flags.String("fetcher", v.GetString("images.fetcher"), "Image fetcher: auto, bulk or direct")

	bindings := map[string]string{
		"base-path": "images.base_path",
		"fetcher":   "images.fetcher",
	}
	for flag, key := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// initSentry enables error reporting when a DSN is configured.
func initSentry(t conf.TelemetrySettings) (bool, error) {
	if t.SentryDSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              t.SentryDSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		ServerName:       "",
	})
	if err != nil {
		return false, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Build()
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	return true, nil
}
