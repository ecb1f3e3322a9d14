package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/ashureev/dailybot/internal/llm"
	"github.com/ashureev/dailybot/internal/routing"
	"github.com/ashureev/dailybot/internal/specialist"
	"github.com/spf13/cobra"
)

// registry builds the catalog without a model; routing is keyword only.
func (o *options) registry() (*specialist.Registry, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	catalog, err := specialist.LoadCatalog(cfg.Orchestration.SpecialistsFile)
	if err != nil {
		return nil, err
	}
	return catalog.Build(llm.Unavailable{}, o.logger())
}

func newRouteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "route <text>",
		Short: "Show which specialists a message would be routed to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := opts.registry()
			if err != nil {
				return err
			}
			router := routing.NewRouter(reg)
			text := strings.Join(args, " ")
			d := router.Select(text)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "reason: %s\n", d.Reason)
			for _, tag := range d.Selected {
				line := fmt.Sprintf("  %s (%s)", tag, reg.DisplayName(tag))
				if kw := d.Matched[tag]; kw != "" {
					line += " matched: " + kw
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintf(out, "exchange first speaker: %s\n", router.SelectOne(text))
			return nil
		},
	}
}

func newSpecialistsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "specialists",
		Short: "List registered specialists and their trigger keywords",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := opts.registry()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAG\tNAME\tTRIGGERS")
			for _, s := range reg.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Tag(), s.Name(), strings.Join(s.Triggers(), ", "))
			}
			if c := reg.Coordinator(); c != nil {
				fmt.Fprintf(w, "%s\t%s\t%s\n", "-", c.Name(), "(coordinator)")
			}
			return w.Flush()
		},
	}
}
