// Package filename provides the filename command for cardimages
package filename

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/cardimages/internal/cardimage"
	"github.com/tphakala/cardimages/internal/conf"
)

// Command creates and returns the filename command. It never touches the network.
func Command(settings *conf.Settings) *cobra.Command {
	var missingOK bool

	cmd := &cobra.Command{
		Use:   "filename card-name...",
		Short: "Print the cached image path for card names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := cardimage.Config{Images: settings.Images}
			missing := 0
			for _, name := range args {
				path, ok := cardimage.Filename(name, cfg)
				if !ok {
					missing++
					path = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, path)
			}
			if missing > 0 && !missingOK {
				return fmt.Errorf("%d card(s) not cached", missing)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&missingOK, "missing-ok", false, "Do not fail when a card is not cached")

	return cmd
}
