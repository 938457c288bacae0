package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newJanitorCmd(g *globalFlags) *cobra.Command {
	var (
		watch  bool
		vacuum bool
		backup string
	)
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Expire, evict and reconcile cached data",
		Long: "Runs one cleanup sweep. With --watch it keeps sweeping on the configured\n" +
			"interval and tracks files deleted from the download root until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if backup != "" {
				if err := a.store.Backup(backup); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "backed up %s to %s\n", a.store.Path, backup)
			}
			if !watch {
				rep, err := a.janitor.Sweep(ctx)
				if err == nil && vacuum {
					err = a.store.Vacuum()
				}
				if g.json {
					if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
						return perr
					}
				} else {
					fmt.Fprintf(cmd.OutOrStdout(),
						"expired %d, evicted %d (%d records), tasks failed %d deleted %d, history %d, orphans %d, missing files %d\n",
						rep.Expired, rep.Evicted, rep.RecordsDropped, rep.TasksFailed, rep.TasksDeleted,
						rep.HistoryDeleted, rep.Orphans, rep.MissingFiles)
				}
				return err
			}
			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error { return a.janitor.Run(gctx) })
			grp.Go(func() error { return a.janitor.Watch(gctx, nil) })
			a.log.Infof("janitor running every %s; ctrl-c to stop", a.cfg.Cache.JanitorInterval.Std())
			return grp.Wait()
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running")
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "reclaim free database pages after the sweep")
	cmd.Flags().StringVar(&backup, "backup", "", "copy the database to this file before sweeping")
	return cmd
}
