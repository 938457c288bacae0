package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/remote"
)

var version = "dev"

type globalFlags struct {
	config   string
	logLevel string
	json     bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	remote.Version = version
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var e *apperrors.Error
		if errors.As(err, &e) {
			fmt.Fprintln(os.Stderr, "error:", e.Friendly())
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "maintsync",
		Short:         "Offline-first cache for maintenance documents and assets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.config, "config", "", "path to YAML config file (or MAINTSYNC_CONFIG)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "JSON output and JSON logs")

	root.AddCommand(
		newLoginCmd(g),
		newLogoutCmd(g),
		newWhoamiCmd(g),
		newListCmd(g),
		newGetCmd(g),
		newSearchCmd(g),
		newHistoryCmd(g),
		newFavoriteCmd(g),
		newForgetCmd(g),
		newDownloadCmd(g),
		newDownloadsCmd(g),
		newCancelCmd(g),
		newVerifyCmd(g),
		newJanitorCmd(g),
		newDoctorCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}
