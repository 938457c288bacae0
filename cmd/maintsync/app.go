package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jxwalker/maintsync/internal/auth"
	"github.com/jxwalker/maintsync/internal/config"
	"github.com/jxwalker/maintsync/internal/downloader"
	"github.com/jxwalker/maintsync/internal/janitor"
	"github.com/jxwalker/maintsync/internal/lockfile"
	"github.com/jxwalker/maintsync/internal/logging"
	"github.com/jxwalker/maintsync/internal/metrics"
	"github.com/jxwalker/maintsync/internal/model"
	"github.com/jxwalker/maintsync/internal/pipeline"
	"github.com/jxwalker/maintsync/internal/remote"
	"github.com/jxwalker/maintsync/internal/state"
	"github.com/jxwalker/maintsync/internal/syncer"
	"github.com/jxwalker/maintsync/internal/system"
)

// app wires every component for one command invocation.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	metrics   *metrics.Manager
	store     *state.DB
	client    *remote.Client
	creds     *auth.Manager
	pipe      *pipeline.Pipeline
	sync      *syncer.Coordinator
	downloads *downloader.Manager
	janitor   *janitor.Janitor
	lock      *lockfile.LockFile
	stopWatch func()
}

func loadConfig(g *globalFlags) (*config.Config, string, error) {
	path := g.config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// openApp builds the component graph. exclusive takes the instance lock
// for commands that own download workers or reconcile tasks.
func openApp(ctx context.Context, g *globalFlags, exclusive bool) (*app, error) {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	jsonLogs := g.json || strings.EqualFold(cfg.Logging.Format, "json")
	a := &app{cfg: cfg, log: logging.New(level, jsonLogs), metrics: metrics.New(cfg)}

	if exclusive {
		if a.lock, err = lockfile.Acquire(lockfile.ForDataRoot(cfg.General.DataRoot)); err != nil {
			return nil, err
		}
	}
	if a.store, err = state.Open(cfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.client, err = remote.New(cfg, a.log); err != nil {
		a.Close()
		return nil, err
	}

	var sessions auth.SessionStore
	if cfg.PersistSession() {
		sessions = a.store
	}
	a.creds = auth.NewManager(a.client, auth.Options{
		Store:        sessions,
		Log:          a.log,
		Metrics:      a.metrics,
		RenewTimeout: cfg.Timeout(),
	})
	if sessions != nil {
		if _, err := a.creds.Restore(ctx); err != nil {
			a.log.Warnf("restore session: %v", err)
		}
	}
	events, stop := a.creds.SignedOut()
	a.stopWatch = stop
	go func() {
		for ev := range events {
			if ev.Reason == auth.ReasonLogout {
				continue
			}
			a.log.Warnf("signed out (%s): %v; run 'maintsync login'", ev.Reason, ev.Err)
		}
	}()

	popts := pipeline.Options{
		PublicEndpoints: cfg.API.PublicEndpoints,
		Timeout:         cfg.Timeout(),
		RefreshSkew:     cfg.Auth.RefreshSkew.Std(),
		Log:             a.log,
		Metrics:         a.metrics,
	}
	if cfg.Network.ConnectivityCheck {
		probe, err := system.NewProbe(cfg.API.BaseURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		popts.Probe = probe
	}
	a.pipe = pipeline.New(a.creds, popts)

	// the downloader resolves uncached records through the coordinator,
	// which is built last because it needs the janitor as its evictor
	a.downloads = downloader.New(cfg, a.store, a.client, a.pipe, downloader.Options{
		Details: downloader.DetailsFunc(func(ctx context.Context, kind model.Kind, id int64) (model.Detail, error) {
			return a.sync.GetDetail(ctx, kind, id)
		}),
		Log:     a.log,
		Metrics: a.metrics,
	})
	jopts := janitor.Options{Log: a.log, Metrics: a.metrics}
	if exclusive {
		jopts.Tasks = a.downloads
	}
	a.janitor = janitor.New(cfg, a.store, jopts)

	sopts := syncer.OptionsFromConfig(cfg)
	sopts.Evictor = a.janitor
	sopts.Log = a.log
	sopts.Metrics = a.metrics
	a.sync = syncer.New(a.store, a.client, a.pipe, sopts)
	return a, nil
}

// Close stops workers, flushes metrics and closes the store.
func (a *app) Close() {
	if a.downloads != nil {
		a.downloads.Close()
	}
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if err := a.metrics.Write(); err != nil {
		a.log.Warnf("write metrics: %v", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warnf("close store: %v", err)
		}
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.log.Warnf("release lock: %v", err)
		}
	}
}

// requireAuth fails early with a readable message for commands that need a
// session.
func (a *app) requireAuth() error {
	if a.creds.IsAuthenticated() {
		return nil
	}
	return errors.New("not signed in; run 'maintsync login --user NAME'")
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscan(s, &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
