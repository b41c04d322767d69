// Package download provides the download command for cardimages
package download

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/cardimages/internal/cardimage"
	"github.com/tphakala/cardimages/internal/conf"
	"github.com/tphakala/cardimages/internal/logger"
	"github.com/tphakala/cardimages/internal/observability"
)

type options struct {
	namesFile       string
	metricsTextfile string
	strict          bool
}

// Command creates and returns the download command
func Command(settings *conf.Settings) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "download [card name...]",
		Short: "Make sure card images are cached",
		Long: `Download resolves every card name to a cached image. Names already in the
cache are skipped without network access. Missing images are tried against each
configured file name pattern, then the card page's featured image, which is
cropped to the art box.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, settings, opts, afero.NewOsFs(), args)
		},
	}

	cmd.Flags().StringVarP(&opts.namesFile, "names-file", "f", "", "YAML file with card names, as a list or as map keys")
	cmd.Flags().StringVar(&opts.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file after the run")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "Exit with an error when any card stays without an image")

	return cmd
}

func run(cmd *cobra.Command, settings *conf.Settings, opts *options, fs afero.Fs, args []string) error {
	names := append([]string(nil), args...)
	if opts.namesFile != "" {
		fromFile, err := readNames(fs, opts.namesFile)
		if err != nil {
			return err
		}
		names = append(names, fromFile...)
	}
	if len(names) == 0 {
		return fmt.Errorf("no card names given")
	}

	cfg := cardimage.Config{
		Images: settings.Images,
		Fs:     fs,
		Probes: cardimage.NewProbeCache(settings.Images.ProbeTTL),
		Logger: logger.Global().Module("cardimage"),
	}

	var m *observability.Metrics
	if opts.metricsTextfile != "" {
		var err error
		if m, err = observability.NewMetrics(); err != nil {
			return err
		}
		cfg.Metrics = m.CardImage
	}

	report, err := cardimage.Download(cmd.Context(), names, cfg)
	if err != nil {
		return err
	}

	if m != nil {
		if err := m.WriteTextfile(opts.metricsTextfile); err != nil {
			return err
		}
	}

	printReport(cmd.OutOrStdout(), report)

	if opts.strict && len(report.Unresolved) > 0 {
		return fmt.Errorf("%d card(s) without an image: %s", len(report.Unresolved), strings.Join(report.Unresolved, ", "))
	}
	return nil
}

// readNames loads card names from a YAML sequence, or from the keys of a
// YAML mapping such as a deck list with counts.
func readNames(fs afero.Fs, path string) ([]string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read names file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse names file %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := root.Decode(&names); err != nil {
			return nil, fmt.Errorf("failed to parse names file %s: %w", path, err)
		}
		return names, nil
	case yaml.MappingNode:
		names := make([]string, 0, len(root.Content)/2)
		for i := 0; i < len(root.Content); i += 2 {
			names = append(names, root.Content[i].Value)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("names file %s must hold a list or a mapping", path)
	}
}

func printReport(w io.Writer, r *cardimage.Report) {
	fmt.Fprintf(w, "Requested:  %d\n", r.Requested)
	fmt.Fprintf(w, "Cached:     %d\n", r.Cached)
	fmt.Fprintf(w, "Downloaded: %d\n", r.Downloaded)
	if r.Fetcher != "" {
		fetcher := r.Fetcher
		if r.Swapped {
			fetcher += " (bulk unavailable)"
		}
		fmt.Fprintf(w, "Fetcher:    %s\n", fetcher)
	}
	for _, t := range r.Tiers {
		fmt.Fprintf(w, "  %-40s %d/%d\n", t.Tier, t.Succeeded, t.Attempted)
	}
	for key, shadowed := range r.Collisions {
		fmt.Fprintf(w, "Shared key %s: %s\n", key, strings.Join(shadowed, ", "))
	}
	if len(r.Unresolved) > 0 {
		fmt.Fprintf(w, "Unresolved: %s\n", strings.Join(r.Unresolved, ", "))
	}
}
