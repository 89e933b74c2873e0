// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initServices — metrics registry, activity log
//  2. initStorage  — metadata store, archive client, image service, sweeper
//  3. initPipeline — payload rewriter, post-processor, upstream client
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zhizinan1997/pic-gate/internal/archive"
	"github.com/zhizinan1997/pic-gate/internal/cleanup"
	"github.com/zhizinan1997/pic-gate/internal/config"
	"github.com/zhizinan1997/pic-gate/internal/images"
	"github.com/zhizinan1997/pic-gate/internal/logger"
	"github.com/zhizinan1997/pic-gate/internal/metrics"
	"github.com/zhizinan1997/pic-gate/internal/proxy"
	"github.com/zhizinan1997/pic-gate/internal/rewrite"
	"github.com/zhizinan1997/pic-gate/internal/store"
	"github.com/zhizinan1997/pic-gate/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	db   *store.Store
	arch archive.Archive
	imgs *images.Service

	rewriter *rewrite.Rewriter
	post     *rewrite.PostProcessor
	up       *upstream.Client

	prom     *metrics.Metrics
	activity *logger.ActivityLog
	sweeper  *cleanup.Scheduler

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"services", a.initServices},
		{"storage", a.initStorage},
		{"pipeline", a.initPipeline},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background workers, blocking until ctx is
// cancelled or a fatal error occurs. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("upstream", a.cfg.Upstream.APIBase),
		slog.Bool("archive", a.arch.Enabled()),
	)

	a.imgs.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.imgs != nil {
		a.imgs.Stop()
		a.imgs = nil
	}
	if a.activity != nil {
		if err := a.activity.Close(); err != nil {
			a.log.Error("activity log close error", slog.String("error", err.Error()))
		}
		a.activity = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}
