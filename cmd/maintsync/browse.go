package main

import (
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/syncer"
)

func newListCmd(g *globalFlags) *cobra.Command {
	var (
		f          model.Filter
		sortFlag   string
		cursorFlag string
	)
	cmd := &cobra.Command{
		Use:       "list documents|assets",
		Short:     "List cached or remote records",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"documents", "assets"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			s, err := model.ParseSort(sortFlag)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := a.sync.GetPage(cmd.Context(), kind, f, s, cursorFlag)
			if err != nil {
				return err
			}
			return printPage(cmd.OutOrStdout(), g.json, p)
		},
	}
	cmd.Flags().StringVar(&f.Query, "q", "", "substring filter over title, summary and location")
	cmd.Flags().StringVar(&f.Status, "status", "", "document category or asset status")
	cmd.Flags().BoolVar(&f.FavoritesOnly, "favorites", false, "only favorites (answered locally)")
	cmd.Flags().BoolVar(&f.DownloadedOnly, "downloaded", false, "only downloaded records (answered locally)")
	cmd.Flags().StringVar(&sortFlag, "sort", "recent", "recent|title")
	cmd.Flags().StringVar(&cursorFlag, "cursor", "", "continue from a previous page")
	return cmd
}

func newGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			d, err := a.sync.GetDetail(cmd.Context(), kind, id)
			if err != nil {
				return err
			}
			return printDetail(cmd.OutOrStdout(), g.json, d)
		},
	}
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	var opts syncer.SearchOptions
	cmd := &cobra.Command{
		Use:   "search <kind> <query>",
		Short: "Search records; falls back to cached records when offline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := a.sync.Search(cmd.Context(), kind, args[1], opts)
			if err != nil {
				return err
			}
			return printPage(cmd.OutOrStdout(), g.json, p)
		},
	}
	cmd.Flags().BoolVar(&opts.Voice, "voice", false, "record the query as voice input")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "continue from a previous page")
	return cmd
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var (
		suggest  string
		limit    int
		clearAll bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past searches or suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			switch {
			case clearAll:
				if err := a.sync.ClearHistory(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "search history cleared")
				return nil
			case cmd.Flags().Changed("suggest"):
				qs, err := a.sync.Suggest(ctx, suggest, limit)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(out, qs)
				}
				for _, q := range qs {
					fmt.Fprintln(out, q)
				}
				return nil
			}
			hist, err := a.sync.History(ctx, limit)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(out, hist)
			}
			for _, h := range hist {
				mark := ""
				if h.Voice {
					mark += " [voice]"
				}
				if h.Degraded {
					mark += " [offline]"
				}
				fmt.Fprintf(out, "%s  %-8s %q  %d results in %s%s\n",
					h.Timestamp.Local().Format("2006-01-02 15:04"), h.Kind, h.Query, h.ResultCount, h.Latency, mark)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&suggest, "suggest", "", "rank past queries against a prefix")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "delete all search history")
	return cmd
}

func newFavoriteCmd(g *globalFlags) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "favorite <kind> <id>",
		Short: "Mark or unmark a cached record as favorite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			r, err := a.sync.ToggleLocalFlag(cmd.Context(), kind, id, model.FlagFavorite, !off)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), r)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s favorite=%t\n", r.Key(), r.Local.Favorite)
			return nil
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "remove the favorite mark")
	return cmd
}

func newForgetCmd(g *globalFlags) *cobra.Command {
	var keepFile bool
	cmd := &cobra.Command{
		Use:   "forget <kind> <id>",
		Short: "Delete a record from the local cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseKind(args[0])
			if err != nil {
				return err
			}
			id, err := parseID(args[1])
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if !keepFile {
				// drops the promoted file first; a record that was never
				// downloaded is left untouched
				if _, err := a.sync.ToggleLocalFlag(cmd.Context(), kind, id, model.FlagDownloaded, false); err != nil && !apperrors.Is(err, apperrors.NotFound) {
					return err
				}
			}
			ok, err := a.sync.Forget(cmd.Context(), kind, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is not cached", model.RecordKey(kind, id))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", model.RecordKey(kind, id))
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepFile, "keep-file", false, "keep the downloaded content file")
	return cmd
}
