package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
)

func newDownloadCmd(g *globalFlags) *cobra.Command {
	var (
		retry string
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "download <kind> <id> | --retry TASK",
		Short: "Download a record's content file and wait for it to finish",
		Args: func(cmd *cobra.Command, args []string) error {
			if retry != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, g, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireAuth(); err != nil {
				return err
			}
			// this process owns the only workers; anything still active in
			// the store was left behind by a previous run
			if failed, err := a.downloads.Reconcile(ctx); err != nil {
				a.log.Warnf("reconcile: %v", err)
			} else if len(failed) > 0 {
				a.log.Infof("marked %d interrupted task(s) failed", len(failed))
			}

			var t model.DownloadTask
			if retry != "" {
				t, err = a.downloads.Retry(ctx, retry)
			} else {
				kind, kerr := model.ParseKind(args[0])
				if kerr != nil {
					return kerr
				}
				id, ierr := parseID(args[1])
				if ierr != nil {
					return ierr
				}
				t, err = a.downloads.Start(ctx, kind, id)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !g.json {
				fmt.Fprintf(out, "task %s: %s\n", t.ID, model.RecordKey(t.SourceKind, t.SourceID))
			}
			final, err := waitTask(ctx, a, t.ID, quiet || g.json)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(out, final)
			}
			if final.Status == model.TaskFailed {
				return fmt.Errorf("download %s failed: %s", final.ID, final.Reason)
			}
			fmt.Fprintf(out, "saved %s\n", final.LocalPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&retry, "retry", "", "restart a failed task")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "do not draw a progress bar")
	return cmd
}

// waitTask follows a task until it is terminal. An interrupt cancels it.
func waitTask(ctx context.Context, a *app, taskID string, quiet bool) (model.DownloadTask, error) {
	updates, stop, err := a.downloads.Observe(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return model.DownloadTask{}, err
	}
	defer stop()
	var bar *progressLine
	if !quiet {
		bar = newProgressLine(os.Stderr)
		defer bar.done()
	}
	interrupted := ctx.Done()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return a.downloads.Get(context.WithoutCancel(ctx), taskID)
			}
			if bar != nil {
				bar.update(u)
			}
		case <-interrupted:
			interrupted = nil
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			err := a.downloads.Cancel(cctx, taskID)
			cancel()
			if err != nil && !apperrors.Is(err, apperrors.Conflict) {
				return model.DownloadTask{}, err
			}
		}
	}
}

func newDownloadsCmd(g *globalFlags) *cobra.Command {
	var (
		statuses []string
		remove   string
	)
	cmd := &cobra.Command{
		Use:   "downloads",
		Short: "List download tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if remove != "" {
				if err := a.downloads.DeleteTerminal(cmd.Context(), remove); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted task %s\n", remove)
				return nil
			}
			var want []model.TaskStatus
			for _, s := range statuses {
				want = append(want, model.TaskStatus(s))
			}
			tasks, err := a.downloads.List(cmd.Context(), want...)
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), g.json, tasks)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "pending,downloading,completed,failed")
	cmd.Flags().StringVar(&remove, "delete", "", "delete a finished task")
	return cmd
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task>",
		Short: "Cancel a pending or running download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			// a worker in another process stops at its next progress write
			if err := a.downloads.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

func newVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <task>",
		Short: "Re-hash a completed download against its recorded checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ok, got, err := a.downloads.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), map[string]any{"task": args[0], "ok": ok, "sha256": got})
			}
			if !ok {
				return fmt.Errorf("checksum mismatch for %s: file hashes to %s", args[0], got)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", got)
			return nil
		},
	}
}
