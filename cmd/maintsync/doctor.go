package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jxwalker/maintsync/internal/config"
	"github.com/jxwalker/maintsync/internal/remote"
	"github.com/jxwalker/maintsync/internal/state"
	"github.com/jxwalker/maintsync/internal/system"
)

// Check is a single diagnostic.
type Check struct {
	Name     string
	Run      func(ctx context.Context) CheckResult
	Critical bool
}

type CheckResult struct {
	Passed     bool
	Warning    bool // passed with warnings
	Message    string
	Suggestion string
}

func newDoctorCmd(g *globalFlags) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration, storage and server reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, cfgErr := loadConfig(g)
			failed := runChecks(cmd.Context(), cmd.OutOrStdout(), doctorChecks(cfg, path, cfgErr), verbose)
			if failed > 0 {
				return fmt.Errorf("%d critical check(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "show timing for each check")
	return cmd
}

func notLoaded() CheckResult { return CheckResult{Message: "Config not loaded"} }

func doctorChecks(cfg *config.Config, path string, cfgErr error) []Check {
	return []Check{
		{
			Name:     "Config loads",
			Critical: true,
			Run: func(ctx context.Context) CheckResult {
				if _, err := os.Stat(path); err != nil {
					return CheckResult{
						Message:    "Config file not found: " + path,
						Suggestion: "Create it with at least general.data_root, general.download_root and api.base_url\nor point MAINTSYNC_CONFIG / --config at an existing file",
					}
				}
				if cfgErr != nil {
					return CheckResult{Message: fmt.Sprintf("%s: %v", path, cfgErr), Suggestion: "Fix the reported field and rerun"}
				}
				return CheckResult{Passed: true, Message: "Loaded " + path}
			},
		},
		writableCheck("Data directory writable", cfg, func(c *config.Config) string { return c.General.DataRoot }),
		writableCheck("Download directory writable", cfg, func(c *config.Config) string { return c.General.DownloadRoot }),
		{
			Name: "Disk space available",
			Run: func(ctx context.Context) CheckResult {
				if cfg == nil {
					return notLoaded()
				}
				total, used, avail, err := system.GetDiskUsage(cfg.General.DownloadRoot)
				if err != nil {
					return CheckResult{Passed: true, Warning: true, Message: fmt.Sprintf("Could not check disk space: %v", err)}
				}
				msg := fmt.Sprintf("%s free of %s (%s used)", humanize.Bytes(avail), humanize.Bytes(total), humanize.Bytes(used))
				if avail < 512<<20 {
					return CheckResult{Message: msg, Suggestion: "Free space before downloading manuals"}
				}
				return CheckResult{Passed: true, Message: msg}
			},
		},
		{
			Name:     "Local store healthy",
			Critical: true,
			Run: func(ctx context.Context) CheckResult {
				if cfg == nil {
					return notLoaded()
				}
				db, err := state.Open(cfg)
				if err != nil {
					return CheckResult{Message: err.Error(), Suggestion: "Check that data_root is writable"}
				}
				defer db.Close()
				if err := db.CheckIntegrity(); err != nil {
					return CheckResult{Message: err.Error(), Suggestion: "Remove the database file to rebuild the cache from the server"}
				}
				st, err := db.GetStats(ctx, time.Now())
				if err != nil {
					return CheckResult{Message: err.Error()}
				}
				res := CheckResult{Passed: true, Message: fmt.Sprintf("%s: %d documents, %d assets, %d downloaded, %d cache entries (%d expired), %s",
					db.Path, st.Documents, st.Assets, st.Downloaded, st.CacheEntries, st.ExpiredEntries, humanize.Bytes(uint64(st.DatabaseSize)))}
				if st.OrphanedSnapshots > 0 || st.ActiveTasks > 0 {
					res.Warning = true
					res.Suggestion = fmt.Sprintf("%d orphaned snapshot(s), %d unfinished task(s); run 'maintsync janitor'", st.OrphanedSnapshots, st.ActiveTasks)
				}
				return res
			},
		},
		{
			Name: "Server reachable",
			Run: func(ctx context.Context) CheckResult {
				if cfg == nil {
					return notLoaded()
				}
				probe, err := system.NewProbe(cfg.API.BaseURL)
				if err != nil {
					return CheckResult{Message: err.Error(), Suggestion: "Set api.base_url"}
				}
				if err := probe.Check(ctx); err != nil {
					return CheckResult{Passed: true, Warning: true, Message: fmt.Sprintf("%s: %v", probe.Host(), err),
						Suggestion: "Cached data is still available offline"}
				}
				client, err := remote.New(cfg, nil)
				if err != nil {
					return CheckResult{Message: err.Error()}
				}
				hctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
				defer cancel()
				if err := client.Health(hctx); err != nil {
					return CheckResult{Passed: true, Warning: true, Message: err.Error()}
				}
				v, err := client.ServerVersion(hctx)
				if err != nil {
					return CheckResult{Passed: true, Message: "Healthy at " + cfg.API.BaseURL}
				}
				return CheckResult{Passed: true, Message: fmt.Sprintf("Healthy at %s (server %s)", cfg.API.BaseURL, v)}
			},
		},
		{
			Name: "Proxy settings",
			Run: func(ctx context.Context) CheckResult {
				proxies := system.DetectProxySettings()
				if len(proxies) == 0 {
					return CheckResult{Passed: true, Message: "None"}
				}
				var parts []string
				for k, v := range proxies {
					parts = append(parts, k+"="+v)
				}
				return CheckResult{Passed: true, Message: strings.Join(parts, " ")}
			},
		},
	}
}

func writableCheck(name string, cfg *config.Config, dir func(*config.Config) string) Check {
	return Check{
		Name:     name,
		Critical: true,
		Run: func(ctx context.Context) CheckResult {
			if cfg == nil {
				return notLoaded()
			}
			d := dir(cfg)
			if err := os.MkdirAll(d, 0o755); err != nil {
				return CheckResult{Message: fmt.Sprintf("Cannot create %s: %v", d, err), Suggestion: "mkdir -p " + d}
			}
			probe := filepath.Join(d, ".maintsync_write_test")
			if err := os.WriteFile(probe, []byte("test"), 0o644); err != nil {
				return CheckResult{Message: "Not writable: " + d, Suggestion: "chmod u+w " + d}
			}
			_ = os.Remove(probe)
			return CheckResult{Passed: true, Message: d}
		},
	}
}

// runChecks prints each result and returns how many critical checks failed.
func runChecks(ctx context.Context, w io.Writer, checks []Check, verbose bool) int {
	var passed, warned, failed, critical int
	for _, c := range checks {
		start := time.Now()
		res := c.Run(ctx)
		symbol := "✓"
		switch {
		case !res.Passed:
			symbol = "✗"
			failed++
			if c.Critical {
				critical++
			}
		case res.Warning:
			symbol = "⚠"
			warned++
			passed++
		default:
			passed++
		}
		fmt.Fprintf(w, "%s %s", symbol, c.Name)
		if verbose {
			fmt.Fprintf(w, " (%.2fs)", time.Since(start).Seconds())
		}
		fmt.Fprintln(w)
		if res.Message != "" {
			fmt.Fprintf(w, "  %s\n", res.Message)
		}
		for _, line := range strings.Split(res.Suggestion, "\n") {
			if line != "" {
				fmt.Fprintf(w, "  → %s\n", line)
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n", passed, warned, failed)
	return critical
}
