package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/procurewatch/procurewatch/internal/model"
	"github.com/procurewatch/procurewatch/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect scrape run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scrape runs",
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
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
		}
		if portalName != "" {
			portal, err := st.GetPortal(ctx, portalName)
			if err != nil {
				return eris.Wrap(err, "runs list")
			}
			if portal == nil {
				fmt.Fprintf(os.Stderr, "No portal named %s.\n", portalName)
				return nil
			}
			filter.PortalID = portal.ID
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tDRY\tPAGES\tNEW\tUPDATED\tSTARTED\tDURATION")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		dry := ""
		if r.DryRun {
			dry = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Status, dry,
			r.Stats.PagesScraped, r.Stats.OpportunitiesNew, r.Stats.OpportunitiesUpdated,
			r.StartedAt.Local().Format("2006-01-02 15:04"), dur)
	}
	_ = w.Flush()
}

func init() {
	runsListCmd.Flags().String("portal", "", "filter by portal name")
	runsListCmd.Flags().String("status", "", "filter by run status (RUNNING, COMPLETED, FAILED)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsCmd.AddCommand(runsListCmd)
	rootCmd.AddCommand(runsCmd)
}
