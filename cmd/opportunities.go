package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/procurewatch/procurewatch/internal/model"
	"github.com/procurewatch/procurewatch/internal/store"
)

var oppsCmd = &cobra.Command{
	Use:     "opportunities",
	Aliases: []string{"opps"},
	Short:   "Inspect tracked opportunities",
}

// -- opportunities list --

var oppsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List opportunities",
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

		portalName, _ := cmd.Flags().GetString("portal")
		status, _ := cmd.Flags().GetString("status")
		search, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.OpportunityFilter{
			Status: model.Status(status),
			Search: search,
			Limit:  limit,
		}
		if portalName != "" {
			portal, err := st.GetPortal(ctx, portalName)
			if err != nil {
				return eris.Wrap(err, "opportunities list")
			}
			if portal == nil {
				fmt.Fprintf(os.Stderr, "No portal named %s.\n", portalName)
				return nil
			}
			filter.PortalID = portal.ID
		}

		opps, err := st.ListOpportunities(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "opportunities list")
		}
		if len(opps) == 0 {
			fmt.Fprintln(os.Stderr, "No opportunities found.")
			return nil
		}

		formatOppsList(os.Stdout, opps)
		return nil
	},
}

// -- opportunities show --

var oppsShowCmd = &cobra.Command{
	Use:   "show <portal> <external-id>",
	Short: "Show one opportunity with its change history",
	Args:  cobra.ExactArgs(2),
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
			return eris.Wrap(err, "opportunities show")
		}
		if portal == nil {
			return eris.Errorf("no portal named %s", args[0])
		}

		opp, err := st.GetOpportunity(ctx, portal.ID, args[1])
		if err != nil {
			return eris.Wrap(err, "opportunities show")
		}
		if opp == nil {
			return eris.Errorf("no opportunity %s on portal %s", args[1], args[0])
		}

		events, err := st.ListEvents(ctx, opp.ID)
		if err != nil {
			return eris.Wrap(err, "opportunities show: events")
		}

		out := struct {
			Opportunity *model.Opportunity `json:"opportunity"`
			Events      []model.Event      `json:"events"`
		}{opp, events}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func formatOppsList(out io.Writer, opps []model.Opportunity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PORTAL\tEXTERNAL_ID\tSTATUS\tCLOSING\tTITLE")
	for _, o := range opps {
		closing := "-"
		if o.ClosingAt != nil {
			closing = o.ClosingAt.Local().Format("2006-01-02")
		}
		title := o.Title
		if len(title) > 60 {
			title = title[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			o.PortalName, o.ExternalID, o.Status, closing, title)
	}
	_ = w.Flush()
}

func init() {
	oppsListCmd.Flags().String("portal", "", "filter by portal name")
	oppsListCmd.Flags().String("status", "", "filter by status (OPEN, CLOSED, AWARDED, ...)")
	oppsListCmd.Flags().String("search", "", "substring match on title")
	oppsListCmd.Flags().Int("limit", 50, "max number of opportunities to display")

	oppsCmd.AddCommand(oppsListCmd)
	oppsCmd.AddCommand(oppsShowCmd)
	rootCmd.AddCommand(oppsCmd)
}
