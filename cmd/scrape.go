package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procurewatch/procurewatch/internal/config"
	"github.com/procurewatch/procurewatch/internal/model"
	"github.com/procurewatch/procurewatch/internal/runner"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape [portal]",
	Short: "Scrape one portal, or all enabled portals with --all",
	Long:  "Fetches listing pages, extracts and normalizes opportunities, and records changes. Use --dry-run to preview without writing.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		all, _ := cmd.Flags().GetBool("all")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		maxPages, _ := cmd.Flags().GetInt("max-pages")
		followDetails, _ := cmd.Flags().GetBool("follow-details")

		if all == (len(args) == 1) {
			return eris.New("scrape: pass exactly one portal name, or --all")
		}
		if maxPages <= 0 {
			maxPages = cfg.Scrape.MaxPages
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if n, err := st.CleanupExpiredLocks(ctx); err != nil {
			zap.L().Warn("cleanup expired locks failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("cleaned up expired run locks", zap.Int("count", n))
		}

		opts := runner.Options{
			MaxPages:      maxPages,
			FollowDetails: followDetails || cfg.Scrape.FollowDetails,
			DryRun:        dryRun,
		}
		coord := runner.NewCoordinator(st, cfg)

		if all {
			portals, err := config.LoadPortals(cfg.PortalsDir)
			if err != nil {
				return eris.Wrap(err, "scrape: load portals")
			}
			if len(portals) == 0 {
				fmt.Fprintf(os.Stderr, "No portal configs found in %s.\n", cfg.PortalsDir)
				return nil
			}

			results, err := coord.RunAll(ctx, portals, opts)
			for name, stats := range results {
				printRunStats(name, stats, dryRun)
			}
			return err
		}

		portal, err := config.FindPortal(cfg.PortalsDir, args[0])
		if err != nil {
			return eris.Wrapf(err, "scrape: portal %s", args[0])
		}
		if !portal.IsEnabled() {
			return eris.Errorf("scrape: portal %s is disabled", portal.Name)
		}

		stats, err := coord.RunPortal(ctx, portal, opts)
		if err != nil {
			if eris.Is(err, runner.ErrLockHeld) {
				fmt.Fprintf(os.Stderr, "Portal %s is locked by another run, skipping.\n", portal.Name)
				return nil
			}
			return err
		}
		printRunStats(portal.Name, stats, dryRun)
		return nil
	},
}

func printRunStats(portal string, stats *model.RunStats, dryRun bool) {
	if stats == nil {
		return
	}
	label := ""
	if dryRun {
		label = " (dry run)"
	}
	fmt.Printf("%s%s: %d pages scraped, %d failed; %d found, %d new, %d updated, %d unchanged",
		portal, label,
		stats.PagesScraped, stats.PagesFailed,
		stats.OpportunitiesFound, stats.OpportunitiesNew,
		stats.OpportunitiesUpdated, stats.OpportunitiesUnchanged)
	if stats.ErrorsCount > 0 {
		fmt.Printf("; %d errors", stats.ErrorsCount)
	}
	fmt.Printf(" in %s\n", stats.Duration().Round(time.Millisecond))
}

func init() {
	scrapeCmd.Flags().Bool("all", false, "scrape every enabled portal")
	scrapeCmd.Flags().Bool("dry-run", false, "extract and classify without writing opportunities or events")
	scrapeCmd.Flags().Int("max-pages", 0, "max listing pages per seed (0 = config default)")
	scrapeCmd.Flags().Bool("follow-details", false, "fetch detail pages to enrich records")

	rootCmd.AddCommand(scrapeCmd)
}
