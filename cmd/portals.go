package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/procurewatch/procurewatch/internal/config"
	"github.com/procurewatch/procurewatch/internal/model"
)

var portalsCmd = &cobra.Command{
	Use:   "portals",
	Short: "Inspect configured and scraped portals",
}

// -- portals list --

var portalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List portals with scrape bookkeeping",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		portals, err := st.ListPortals(ctx)
		if err != nil {
			return eris.Wrap(err, "portals list")
		}

		configs, err := config.LoadPortals(cfg.PortalsDir)
		if err != nil {
			return eris.Wrap(err, "portals list: load configs")
		}

		formatPortalsList(os.Stdout, portals, configs)
		return nil
	},
}

// -- portals show --

var portalsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one portal's stored record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		portal, err := st.GetPortal(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "portals show")
		}
		if portal == nil {
			return eris.Errorf("portal %s has never been scraped", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(portal)
	},
}

// formatPortalsList merges stored portals with on-disk configs so
// never-scraped portals still show up.
func formatPortalsList(out io.Writer, portals []model.Portal, configs []*config.PortalConfig) {
	stored := map[string]model.Portal{}
	for _, p := range portals {
		stored[p.Name] = p
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tENABLED\tRUNS\tOPPORTUNITIES\tLAST_SUCCESS")

	seen := map[string]bool{}
	for _, c := range configs {
		seen[c.Name] = true
		p, ok := stored[c.Name]
		if !ok {
			_, _ = fmt.Fprintf(w, "%s\t%v\t-\t-\tnever\n", c.Name, c.IsEnabled())
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%s\n",
			c.Name, c.IsEnabled(), p.TotalRuns, p.TotalOpportunities, formatTimePtr(p.LastSuccessAt))
	}
	for _, p := range portals {
		if seen[p.Name] {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t-\t%d\t%d\t%s\n",
			p.Name, p.TotalRuns, p.TotalOpportunities, formatTimePtr(p.LastSuccessAt))
	}
	_ = w.Flush()
}

// -- portals validate --

var portalsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate portal config files without scraping",
	RunE: func(cmd *cobra.Command, _ []string) error {
		portals, err := config.LoadPortals(cfg.PortalsDir)
		if err != nil {
			return eris.Wrap(err, "portals validate")
		}
		for _, p := range portals {
			state := "enabled"
			if !p.IsEnabled() {
				state = "disabled"
			}
			fmt.Printf("%s: ok (%s, %d seeds)\n", p.Name, state, len(p.Seeds()))
		}
		fmt.Printf("%d portal configs valid.\n", len(portals))
		return nil
	},
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func init() {
	portalsCmd.AddCommand(portalsListCmd)
	portalsCmd.AddCommand(portalsShowCmd)
	portalsCmd.AddCommand(portalsValidateCmd)
	rootCmd.AddCommand(portalsCmd)
}
