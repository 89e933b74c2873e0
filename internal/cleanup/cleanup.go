// Package cleanup drives the periodic maintenance of the image cache:
// eviction sweeps and archive upload retries. Stateless besides its timers.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/zhizinan1997/pic-gate/internal/config"
	"github.com/zhizinan1997/pic-gate/internal/images"
)

// Scheduler runs the maintenance loops until its context is canceled.
type Scheduler struct {
	images *images.Service
	log    *slog.Logger

	interval       time.Duration
	uploadInterval time.Duration
	uploadBatch    int
}

// New builds the scheduler from config.
func New(svc *images.Service, cfg config.CleanupConfig, log *slog.Logger) *Scheduler {
	return &Scheduler{
		images:         svc,
		log:            log,
		interval:       cfg.Interval,
		uploadInterval: cfg.UploadInterval,
		uploadBatch:    cfg.UploadBatch,
	}
}

// Run blocks, alternating eviction and upload sweeps on their own timers,
// until ctx is canceled. One eviction pass runs immediately at startup to
// recover from downtime.
func (s *Scheduler) Run(ctx context.Context) error {
	evictTicker := time.NewTicker(s.interval)
	defer evictTicker.Stop()
	uploadTicker := time.NewTicker(s.uploadInterval)
	defer uploadTicker.Stop()

	s.images.Evict(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-evictTicker.C:
			start := time.Now()
			s.images.Evict(ctx)
			s.log.Debug("eviction sweep complete", "elapsed", time.Since(start))

		case <-uploadTicker.C:
			if err := s.images.SweepUploads(ctx, s.uploadBatch); err != nil && ctx.Err() == nil {
				s.log.Warn("upload sweep failed", "error", err)
			}
		}
	}
}
