package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"highlightsync/internal/adapters/store/bunstore"
	"highlightsync/internal/core/service"
)

func newSyncCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch changes since the last run and write them to the store",
		Long: `Fetch every book updated since the start of the last successful run,
validate it, and upsert it into the store under the cross-process lock.

Exit status is 3 when the lock could not be acquired in time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.ValidateSource(); err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := bunstore.Open(ctx, a.cfg.DB.Path, a.log.Component("store"))
			if err != nil {
				return err
			}
			defer store.Close()

			svc, err := service.NewSyncServiceFromConfig(a.cfg, store, a.log)
			if err != nil {
				return err
			}
			report, err := svc.Run(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			if report.Result.BatchCreated() {
				fmt.Fprintf(out, "batch %d: %d records changed (%d fetched)\n",
					report.Result.BatchID, report.Result.Changed(), report.Fetched)
			} else {
				fmt.Fprintf(out, "no changes (%d fetched)\n", report.Fetched)
			}
			if n := report.Result.Skipped(); n > 0 {
				fmt.Fprintf(out, "%d records skipped: missing key\n", n)
			}
			return nil
		},
	}

	cmd.Flags().String("mode", service.ModeDelta, "sync mode: delta or full (reserved)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	a.bindFlag(cmd, "sync.mode", "mode")
	return cmd
}
