package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trivalaya/lotscraper/internal/site"
)

func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "Validate the site descriptor file and list configured sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			reg, err := site.Load(cfg.Sites.Path)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SITE\tFIELDS\tCRAWL DELAY\tHEADLESS")
			for _, name := range reg.Names() {
				d, err := reg.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%t\n", name, len(d.Fields), d.CrawlDelay, d.Headless)
			}
			return w.Flush()
		},
	}
}
