package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zhizinan1997/pic-gate/internal/archive"
	"github.com/zhizinan1997/pic-gate/internal/cleanup"
	"github.com/zhizinan1997/pic-gate/internal/images"
	"github.com/zhizinan1997/pic-gate/internal/logger"
	"github.com/zhizinan1997/pic-gate/internal/metrics"
	"github.com/zhizinan1997/pic-gate/internal/proxy"
	"github.com/zhizinan1997/pic-gate/internal/rewrite"
	"github.com/zhizinan1997/pic-gate/internal/store"
	"github.com/zhizinan1997/pic-gate/internal/upstream"
)

// initServices creates the Prometheus metrics registry and the in-memory
// activity log that backs /admin/logs.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	activity, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("activity log: %w", err)
	}
	a.activity = activity

	return nil
}

// initStorage opens the metadata store, connects the archive backend when
// credentials are configured, and builds the image service plus its sweeper.
func (a *App) initStorage(ctx context.Context) error {
	db, err := store.Open(a.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.db = db

	arch, err := archive.New(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	a.arch = arch
	if arch.Enabled() {
		a.log.Info("archive backend: r2", slog.String("bucket", a.cfg.Archive.Bucket))
	} else {
		a.log.Info("archive backend: disabled (local cache only)")
	}

	imgs, err := images.New(db, arch, a.prom, a.log, a.cfg)
	if err != nil {
		return fmt.Errorf("images: %w", err)
	}
	a.imgs = imgs

	a.sweeper = cleanup.New(imgs, a.cfg.Cleanup, a.log)

	return nil
}

// initPipeline builds the request/response transformation pipeline and the
// upstream provider client.
func (a *App) initPipeline(_ context.Context) error {
	a.rewriter = rewrite.New(a.imgs, rewrite.NewHTTPFetcher(), a.cfg.AllowExternalImageFetch, a.log)
	a.post = rewrite.NewPostProcessor(a.imgs, a.log)
	a.up = upstream.New(a.cfg.Upstream, a.prom, a.log)

	a.log.Info("upstream configured",
		slog.String("api_base", a.cfg.Upstream.APIBase),
		slog.String("model", a.cfg.Upstream.Model),
		slog.Int("max_retries", a.cfg.Upstream.MaxRetries),
	)
	if a.cfg.AllowExternalImageFetch {
		a.log.Warn("external image fetch enabled; upstream payloads may pull arbitrary URLs")
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.NewGateway(
		a.baseCtx, a.cfg,
		a.imgs, a.rewriter, a.post, a.up,
		a.activity, a.prom, a.log,
	)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
